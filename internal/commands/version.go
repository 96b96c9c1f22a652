package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"fxflow/internal/buildinfo"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fxflow %s (commit: %s, built: %s)\n",
				buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		},
	}
}
