// Package cli implements the reflow command line: run, validate, plan,
// events and schedule.
package cli

import (
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// AddPersistentFlags registers the flags shared by every subcommand.
func AddPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")
}

// ConfigureOutput installs the process logger and color mode from the
// persistent flags. It has the shape of cobra's PersistentPreRunE.
func ConfigureOutput(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")

	slog.SetDefault(newLogger(cmd.ErrOrStderr(), verbose, quiet))
	if noColor {
		color.NoColor = true
	}
	return nil
}

func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
