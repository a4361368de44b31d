package main

import (
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/stocklane/authkit/pkg/sessionctl"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow session state transitions until interrupted",
	Long: `Connects to the identity provider's realtime channel and prints every
state transition the controller publishes: validations, token refreshes,
remote sign-outs. Useful when testing revocation against the mock stack.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		states, unsub := env.controller.Subscribe()
		defer unsub()

		env.idp.StartRealtime(ctx)

		pterm.Info.Println("Watching session state. Ctrl+C to stop.")
		printTransition(env.controller.State())

		for {
			select {
			case <-ctx.Done():
				pterm.Info.Println("Stopped.")
				return nil
			case state, ok := <-states:
				if !ok {
					return nil
				}
				printTransition(state)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func printTransition(state sessionctl.State) {
	switch {
	case state.Loading:
		pterm.Info.Println("reconciling…")
	case !state.SignedIn():
		pterm.Warning.Println("signed out")
	case state.Profile != nil:
		pterm.Success.Printf("signed in as %s (%s), %d role(s)\n",
			state.Profile.FullName(), state.Profile.Email, len(state.Authorization.Roles))
	case state.User != nil:
		pterm.Success.Printf("signed in as %s, profile pending\n", state.User.Email)
	default:
		pterm.Success.Println("signed in")
	}
}
