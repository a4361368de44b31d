package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		if !env.controller.State().SignedIn() {
			pterm.Info.Println("Already signed out.")
			return nil
		}
		if err := env.controller.SignOut(cmd.Context()); err != nil {
			return err
		}
		pterm.Success.Println("Signed out.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
