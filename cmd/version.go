package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satriabw/calibration-frontend/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(*cobra.Command, []string) {
			info := version.Get()
			fmt.Printf("calfront %s (commit %s, built %s, %s)\n",
				info.Version, info.Commit, info.BuildTime, info.GoVersion)
		},
	}
}
