package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"loom/pkg/eventlog"
)

// ANSI colors for terminal output; disabled when stdout is a pipe.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// newStatusCmd creates the "loom status" subcommand: recent lifecycle
// history from the event log.
func newStatusCmd() *cobra.Command {
	var dbPath string
	var limit int
	var doc string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent event and patch history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				dbPath = eventlog.DefaultDBPath()
			}

			r, err := eventlog.NewReader(dbPath)
			if err != nil {
				return fmt.Errorf("no event log at %s (is loom running?): %w", dbPath, err)
			}
			defer r.Close()

			rows, err := r.Query(cmd.Context(), eventlog.QueryOpts{Doc: doc, Limit: limit})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recorded activity")
				return nil
			}

			useColor := isatty.IsTerminal(os.Stdout.Fd())
			for _, row := range rows {
				status := row.Status
				if useColor {
					status = colorize(status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s %-8s %-12s %-20s %s\n",
					row.CreatedAt.Format("15:04:05"),
					row.Entity, row.Kind, status, row.Doc, row.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "event log database path")
	cmd.Flags().IntVar(&limit, "limit", 30, "maximum rows to show")
	cmd.Flags().StringVar(&doc, "doc", "", "filter to one document")
	return cmd
}

func colorize(status string) string {
	switch status {
	case "completed", "applied":
		return colorGreen + status + colorReset
	case "failed", "rejected":
		return colorRed + status + colorReset
	case "stale", "cancelled", "needs_context":
		return colorYellow + status + colorReset
	default:
		return status
	}
}
