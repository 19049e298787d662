package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/pgenv/internal/core"
	"github.com/giantswarm/pgenv/internal/workspace"
)

func newLsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List instances recorded under the base directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := core.ListLedger(cmd.Context(), c.v.GetString(keyBaseDir))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tPID\tOWNER\tENDPOINT\tAGE\tROOT")
			for _, e := range entries {
				owner := "dead"
				if workspace.ProcessAlive(e.PID) {
					owner = "alive"
				}
				age := time.Since(e.CreatedAt).Truncate(time.Second)
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", e.ID, e.PID, owner, e.Endpoint, age, e.Root)
			}
			return tw.Flush()
		},
	}
}
