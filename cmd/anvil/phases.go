package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cuemby/anvil/pkg/controllers"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
)

var phasesCmd = &cobra.Command{
	Use:   "phases [CONTROLLER]",
	Short: "Print the phase table of a controller",
	Long: `Print, for each step of a controller's reconcile pass, the request that
must be pending while the pass is at that step. Without an argument every
built-in controller is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := controllers.Names()
		if len(args) == 1 {
			ids = args
		}
		recs, err := controllers.NewSet(ids)
		if err != nil {
			return err
		}
		for i, rec := range recs {
			if i > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			printPhases(cmd.OutOrStdout(), rec)
		}
		return nil
	},
}

func printPhases(out io.Writer, rec reconciler.Reconciler) {
	fmt.Fprintln(out, rely.Describe(rec.Footprint()))
	for _, p := range rec.PhaseTable() {
		fmt.Fprintf(out, "  %-36s %s\n", p.Step, p.Pending)
	}
}
