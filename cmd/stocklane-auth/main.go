package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stocklane/authkit/pkg/prettylog"
)

var rootCmd = &cobra.Command{
	Use:           "stocklane-auth",
	Short:         "Stocklane session CLI",
	Long:          "Signs in against the Stocklane backend, keeps the provider session alive and shows the reconciled authorization state.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if os.Getenv("PRETTY_LOGS") != "false" {
		logger := slog.New(prettylog.NewHandler(logLevel()))
		slog.SetDefault(logger)
	}
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
