package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/stocklane/authkit/pkg/backend"
)

var registerParams backend.RegisterParams

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and a workspace membership",
	Long: `Registers a new account with the backend. Depending on the identity
provider's settings the account is either signed in right away or parked
until the emailed confirmation link is opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		params := registerParams
		if params.Email == "" {
			params.Email, err = pterm.DefaultInteractiveTextInput.Show("Email")
			if err != nil {
				return fmt.Errorf("reading email: %w", err)
			}
		}
		if params.FirstName == "" {
			params.FirstName, err = pterm.DefaultInteractiveTextInput.Show("First name")
			if err != nil {
				return fmt.Errorf("reading first name: %w", err)
			}
		}
		if params.LastName == "" {
			params.LastName, err = pterm.DefaultInteractiveTextInput.Show("Last name")
			if err != nil {
				return fmt.Errorf("reading last name: %w", err)
			}
		}
		params.Password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		if err := env.controller.SignUp(cmd.Context(), params); err != nil {
			return err
		}

		state := env.awaitProfile(3 * time.Second)
		if !state.SignedIn() {
			pterm.Info.Printf("Account created for %s. Confirm the email address, then run `stocklane-auth login`.\n", params.Email)
			return nil
		}
		pterm.Success.Printf("Registered and signed in as %s\n", params.Email)
		printState(state)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerParams.Email, "email", "", "email address")
	registerCmd.Flags().StringVar(&registerParams.FirstName, "first-name", "", "first name")
	registerCmd.Flags().StringVar(&registerParams.LastName, "last-name", "", "last name")
	registerCmd.Flags().StringVar(&registerParams.Phone, "phone", "", "phone number (optional)")
	rootCmd.AddCommand(registerCmd)
}
