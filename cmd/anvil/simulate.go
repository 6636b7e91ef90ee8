package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/anvil/pkg/cluster"
	"github.com/cuemby/anvil/pkg/config"
	"github.com/cuemby/anvil/pkg/controllers"
	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/events"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/simulator"
	"github.com/cuemby/anvil/pkg/storage"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulation scenario",
	Long: `Run a simulation scenario from a YAML file until every custom resource
has converged with all faults switched off.

Examples:
  # Run every controller with the built-in defaults
  anvil simulate

  # Run a scenario and print cluster events as they happen
  anvil simulate -f rabbitmq-crash.yaml --watch

  # Expose Prometheus metrics while the simulation runs
  anvil simulate -f scenario.yaml --metrics-addr :9090`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringP("file", "f", "", "Scenario file (defaults apply when omitted)")
	simulateCmd.Flags().Int64("seed", 0, "Override the scenario seed")
	simulateCmd.Flags().Uint64("max-ticks", 0, "Override the scenario tick limit")
	simulateCmd.Flags().String("data-dir", "", "Override the scenario data directory")
	simulateCmd.Flags().Bool("watch", false, "Print cluster events")
	simulateCmd.Flags().String("metrics-addr", "", "Serve /metrics, /health and /ready on this address")
	simulateCmd.Flags().Bool("json", false, "Log as JSON")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	watch, _ := cmd.Flags().GetBool("watch")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := config.Default()
	if file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed, _ = cmd.Flags().GetInt64("seed")
	}
	if cmd.Flags().Changed("max-ticks") {
		cfg.MaxTicks, _ = cmd.Flags().GetUint64("max-ticks")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("json")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Init(cfg.LogConfig())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.NewServeMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server failed", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	res, err := simulate(ctx, cfg, cmd.OutOrStdout(), watch)
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	return err
}

// runtime holds what a simulation opens and must close
type runtime struct {
	store   storage.Store
	backend etcd.Backend
	closers []io.Closer
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
}

func openRuntime(cfg *config.Config) (*runtime, error) {
	rt := &runtime{}
	if cfg.DataDir == "" {
		rt.store = storage.NewMemoryStore()
	} else {
		bolt, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		rt.store = bolt
		rt.closers = append(rt.closers, bolt)
	}

	if !cfg.Etcd.Replicated {
		rt.backend = etcd.NewStore()
		return rt, nil
	}
	var raftDir string
	if cfg.DataDir != "" {
		raftDir = filepath.Join(cfg.DataDir, "etcd")
	}
	replicated, err := etcd.OpenReplicated(etcd.ReplicatedConfig{DataDir: raftDir})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open replicated etcd: %w", err)
	}
	rt.backend = replicated
	rt.closers = append(rt.closers, replicated)
	return rt, nil
}

// simulate assembles the cluster a scenario describes and runs it until
// stable
func simulate(ctx context.Context, cfg *config.Config, out io.Writer, watch bool) (*simulator.Result, error) {
	rt, err := openRuntime(cfg)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if watch {
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go func() {
			for ev := range sub {
				fmt.Fprintf(out, "[%6d] %-22s %s\n", ev.Tick, ev.Type, ev.Message)
			}
		}()
	}

	recs, err := controllers.NewSet(cfg.Controllers)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.ClusterOptions()
	if err != nil {
		return nil, err
	}
	opts.Store = rt.store
	opts.Etcd = rt.backend
	opts.Broker = broker

	c, err := cluster.New(opts, recs...)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble cluster: %w", err)
	}

	collector := metrics.NewCollector(c, time.Second)
	collector.Start()
	defer collector.Stop()

	simCfg := cfg.SimulatorConfig()
	simCfg.Broker = broker
	sim, err := simulator.New(c, simCfg)
	if err != nil {
		return nil, err
	}

	log.Info(fmt.Sprintf("Simulation %s started with seed %d", sim.RunID(), cfg.Seed))
	res, err := sim.RunUntilStable(ctx)
	collector.Collect()
	return res, err
}

func printResult(out io.Writer, res *simulator.Result) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Run:     %s\n", res.RunID)
	fmt.Fprintf(out, "Ticks:   %d\n", res.Ticks)
	if res.Stable {
		fmt.Fprintln(out, "Result:  ✓ stable")
		return
	}
	fmt.Fprintln(out, "Result:  ✗ not stable")
	mismatched := make([]string, 0, len(res.Mismatched))
	for _, ref := range res.Mismatched {
		mismatched = append(mismatched, ref.String())
	}
	sort.Strings(mismatched)
	for _, ref := range mismatched {
		fmt.Fprintf(out, "  mismatched: %s\n", ref)
	}
}
