package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/buildinfo"
)

// newRootCmd creates the root loom command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Annotation-driven code generation engine",
		Long:          "loom watches a source tree for //~ marker comments,\nschedules them against local and remote models, and applies\nthe generated code back into the files.",
		Version:       fmt.Sprintf("loom %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newScanCmd(),
		newStatusCmd(),
	)
	return cmd
}
