package main

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Revalidate the session and refresh the business profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		state := env.awaitSettled(5 * time.Second)
		if !state.SignedIn() {
			pterm.Info.Println("Not signed in.")
			return nil
		}

		if err := env.controller.Revalidate(cmd.Context()); err != nil {
			return err
		}
		if err := env.controller.RefreshProfile(cmd.Context()); err != nil {
			pterm.Warning.Printf("Profile refresh failed: %v\n", err)
		}

		state = env.awaitProfile(3 * time.Second)
		if !state.SignedIn() {
			pterm.Warning.Println("Session was rejected during revalidation, signed out.")
			return nil
		}
		pterm.Success.Println("Session validated.")
		printState(state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
