package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/stocklane/authkit/pkg/sessionctl"
	"github.com/stocklane/authkit/pkg/util"
)

var whoamiShowToken bool

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the reconciled session and authorization state",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		state := env.awaitSettled(5 * time.Second)
		if !state.SignedIn() {
			pterm.Info.Println("Not signed in. Run `stocklane-auth login` first.")
			return nil
		}
		state = env.awaitProfile(3 * time.Second)
		printState(state)

		if whoamiShowToken && state.SignedIn() {
			pterm.DefaultSection.Println("Access Token")
			pterm.Println(util.FormatJWS(state.Session.AccessToken))
		}
		return nil
	},
}

func init() {
	whoamiCmd.Flags().BoolVar(&whoamiShowToken, "show-token", false, "print the decoded access token")
	rootCmd.AddCommand(whoamiCmd)
}

func printState(state sessionctl.State) {
	pterm.DefaultSection.Println("Session")
	if !state.SignedIn() {
		pterm.Info.Println("Signed out.")
		return
	}

	table := pterm.TableData{}
	if state.User != nil {
		table = append(table, []string{"User", state.User.Email})
		table = append(table, []string{"ID", state.User.ID})
	}
	if state.Profile != nil {
		if name := state.Profile.FullName(); name != "" {
			table = append(table, []string{"Name", name})
		}
	}
	if expiry := state.Session.Expiry(); !expiry.IsZero() {
		table = append(table, []string{"Token expires", expiry.Format(time.RFC1123)})
	}

	auth := state.Authorization
	roles := make([]string, len(auth.Roles))
	for i, role := range auth.Roles {
		roles[i] = string(role)
	}
	if len(roles) > 0 {
		table = append(table, []string{"Roles", strings.Join(roles, ", ")})
	}
	if auth.Admin {
		table = append(table, []string{"Admin", "yes"})
	}
	if auth.WarehouseManager {
		scope := "all assigned"
		if len(auth.Warehouses) > 0 {
			scope = strings.Join(auth.Warehouses, ", ")
		}
		table = append(table, []string{"Warehouses", scope})
	}
	if err := pterm.DefaultTable.WithData(table).Render(); err != nil {
		fmt.Println(table)
	}

	if state.Profile == nil {
		pterm.Warning.Println("Business profile not loaded yet, authorization is derived from cached roles.")
	}
}
