package main

import (
	"LendLedger/internal/server"

	"github.com/spf13/cobra"
)

func snapshotsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "snapshots",
		Short: "List or take state snapshots",
	}
	addGRPCFlag(c)

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return invoke(c.Context(), c.OutOrStdout(), "ListSnapshots", &server.ListSnapshotsRequest{Limit: limit})
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "number of snapshots")

	take := &cobra.Command{
		Use:   "take",
		Short: "Snapshot the ledger at its current sequence",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return invoke(c.Context(), c.OutOrStdout(), "TakeSnapshot", &server.Empty{})
		},
	}

	c.AddCommand(list, take)
	return c
}
