// Package commands implements the NanoClaw CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nanoclaw",
		Short: "NanoClaw - personal assistant gateway for chat platforms",
		Long: `NanoClaw connects a personal AI assistant to WhatsApp, Telegram,
and a local web client, bridging messages to a sandboxed agent over a
file-based IPC protocol.

Examples:
  nanoclaw serve
  nanoclaw setup
  nanoclaw query --chat "120363@g.us" --limit 20`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newQueryCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// newLogger builds the process logger from the verbose flag.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
