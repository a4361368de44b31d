package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the workspace",
	Long: `Signs in against the backend, which validates the credentials with the
identity provider and attaches the workspace role assignment. The session
is persisted locally and kept fresh until you log out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		email := loginEmail
		if email == "" {
			email, err = pterm.DefaultInteractiveTextInput.Show("Email")
			if err != nil {
				return fmt.Errorf("reading email: %w", err)
			}
		}
		password, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		if err := env.controller.SignIn(cmd.Context(), email, password); err != nil {
			return err
		}

		state := env.awaitProfile(3 * time.Second)
		pterm.Success.Printf("Signed in as %s\n", email)
		printState(state)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "email to sign in with (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
}
