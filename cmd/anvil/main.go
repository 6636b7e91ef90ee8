package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/anvil/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - controller reconciliation runtime",
	Long: `Anvil runs Kubernetes-style controllers against a simulated cluster:
an API server over an in-memory etcd, a lossy network, built-in garbage
collection and fault injectors. Every tick applies one action, safety
invariants are checked after each one and a run ends once every custom
resource has converged with all faults switched off.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Anvil version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Anvil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	metrics.SetVersion(Version)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(phasesCmd)
}
