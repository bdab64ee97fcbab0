package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/silkchain/silksync/blocksync"
	cfg "github.com/silkchain/silksync/config"
	"github.com/silkchain/silksync/sim"
)

var simFlags = struct {
	peers        int
	blocks       uint64
	seed         int64
	latency      time.Duration
	timeoutRate  float64
	reqTimeout   time.Duration
	duration     time.Duration
	invalidPeers int
}{}

// SimCmd runs the sync engine against a simulated peer network and reports
// how the run went. It is the operational smoke test for the engine: the
// configured sync parameters are exercised against seeded slow, flaky and
// adversarial peers.
var SimCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run the sync engine against a simulated peer network",
	RunE:  runSim,
}

func init() {
	SimCmd.Flags().IntVar(&simFlags.peers, "peers", 8, "number of virtual peers")
	SimCmd.Flags().Uint64Var(&simFlags.blocks, "blocks", 4096, "canonical chain height to sync")
	SimCmd.Flags().Int64Var(&simFlags.seed, "seed", 1, "seed for chain contents and peer behavior")
	SimCmd.Flags().DurationVar(&simFlags.latency, "latency", 20*time.Millisecond, "base peer round trip")
	SimCmd.Flags().Float64Var(&simFlags.timeoutRate, "timeout-rate", 0.1, "drop probability for flaky peers")
	SimCmd.Flags().DurationVar(&simFlags.reqTimeout, "request-timeout", 400*time.Millisecond, "transport deadline per request")
	SimCmd.Flags().DurationVar(&simFlags.duration, "duration", 2*time.Minute, "bound on the whole run")
	SimCmd.Flags().IntVar(&simFlags.invalidPeers, "invalid-peers", 1, "peers serving a doctored chain")
}

func runSim(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := blocksync.NopMetrics()
	if config.Instrumentation.Prometheus {
		metrics = blocksync.PrometheusMetrics(config.Instrumentation.Namespace)
	}

	simCfg := sim.Config{
		Peers:          simFlags.peers,
		Blocks:         simFlags.blocks,
		Seed:           simFlags.seed,
		Latency:        simFlags.latency,
		TimeoutRate:    simFlags.timeoutRate,
		RequestTimeout: simFlags.reqTimeout,
		Duration:       simFlags.duration,
		InvalidPeers:   simFlags.invalidPeers,
		Sync:           engineConfig(config.Sync),
		Metrics:        metrics,
	}

	runner := sim.NewRunner(simCfg, logger.With("module", "sim"))

	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if config.Instrumentation.Prometheus {
		srv = prometheusServer(config.Instrumentation)
		g.Go(func() error {
			logger.Info("serving prometheus metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	var summary sim.Summary
	g.Go(func() error {
		defer stop()
		var err error
		summary, err = runner.Run(ctx)
		return err
	})

	err := g.Wait()
	fmt.Println(summary)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !summary.CaughtUp {
		return fmt.Errorf("sync did not catch up: height %d of %d", summary.Height, summary.Target)
	}
	return nil
}

// engineConfig maps the [sync] config section onto the engine's tuning knobs.
func engineConfig(c *cfg.SyncConfig) blocksync.Config {
	return blocksync.Config{
		MaxBlocksPerRequest:    c.MaxBlocksPerRequest,
		MaxTimeoutsBeforeDrop:  c.MaxTimeoutsBeforeDrop,
		DisableMajorSyncGating: c.DisableMajorSyncGating,
		MaxParallelDownloads:   c.MaxParallelDownloads,
		LookaheadWindow:        c.LookaheadWindow,
		TickInterval:           c.TickInterval,
	}
}

func prometheusServer(c *cfg.InstrumentationConfig) *http.Server {
	return &http.Server{
		Addr: c.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer,
			promhttp.HandlerFor(prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: c.MaxOpenConnections}),
		),
	}
}
