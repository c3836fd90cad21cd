// Package cmd holds the calfront CLI commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "calfront",
		Short:        "Camera calibration frontend",
		Long:         "calfront streams camera or video frames to the background-extraction service, saves the derived background, and submits calibration solves against it.",
		SilenceUsage: true,
	}

	root.AddCommand(
		newCaptureCmd(),
		newCalibrateCmd(),
		newVersionCmd(),
	)
	return root
}
