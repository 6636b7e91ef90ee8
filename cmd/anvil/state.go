package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cuemby/anvil/pkg/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show persisted controller state",
	Long: `Show the scheduled and ongoing reconciles a simulation persisted in its
data directory. A crashed controller recovers from exactly this state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.OpenReadOnly(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open state in %s: %w", dataDir, err)
		}
		defer store.Close()

		return printState(cmd.OutOrStdout(), store)
	},
}

func init() {
	stateCmd.Flags().String("data-dir", "", "Data directory of a simulation (required)")
	_ = stateCmd.MarkFlagRequired("data-dir")
}

func printState(out io.Writer, store storage.Store) error {
	ids, err := store.Controllers()
	if err != nil {
		return fmt.Errorf("failed to list controllers: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "No persisted controller state")
		return nil
	}

	for _, id := range ids {
		scheduled, err := store.ListScheduled(id)
		if err != nil {
			return fmt.Errorf("failed to list scheduled keys of %s: %w", id, err)
		}
		ongoing, err := store.ListOngoing(id)
		if err != nil {
			return fmt.Errorf("failed to list ongoing keys of %s: %w", id, err)
		}

		fmt.Fprintf(out, "Controller %s\n", id)
		fmt.Fprintf(out, "  Scheduled: %d\n", len(scheduled))
		for _, rec := range scheduled {
			fmt.Fprintf(out, "    %-40s notBefore=%d\n", rec.Key, rec.NotBefore)
		}
		fmt.Fprintf(out, "  Ongoing: %d\n", len(ongoing))
		for _, rec := range ongoing {
			fmt.Fprintf(out, "    %-40s step=%s pending=%d since=%d\n", rec.Key, rec.Step, rec.PendingRestID, rec.Tick)
		}
	}
	return nil
}
