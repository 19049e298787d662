package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/pgenv/internal/core"
)

func newSweepCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove workspaces left behind by dead processes",
		Long: `Remove every workspace under the base directory whose owner process
is gone, then drop ledger rows for workspaces that no longer exist.
Workspaces still held by a running process are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := core.Sweep(cmd.Context(), c.v.GetString(keyBaseDir))
			if err != nil {
				return err
			}
			for _, root := range report.Removed {
				_, _ = fmt.Fprintf(c.out, "removed %s\n", root)
			}
			_, _ = fmt.Fprintf(c.out, "%d removed, %d in use, %d ledger rows pruned\n",
				len(report.Removed), len(report.Skipped), report.LedgerPruned)
			return nil
		},
	}
}
