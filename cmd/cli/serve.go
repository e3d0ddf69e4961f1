package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/cidrsweep/internal/api"
	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/engine"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/scan"
	"github.com/anstrom/cidrsweep/internal/scheduler"
	"github.com/anstrom/cidrsweep/internal/workers"
)

// schedulerStopTimeout bounds the wait for cron callbacks on shutdown.
const schedulerStopTimeout = 10 * time.Second

type serveOptions struct {
	host    string
	port    int
	workers int
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled sweeps",
		Long: `Start the cidrsweep HTTP service. Sweeps can be streamed from
POST /api/v1/scans or a WebSocket at /api/v1/scans/ws, and every schedule in
the configuration runs on its cron expression until the process receives
SIGINT or SIGTERM.`,
		Example: `  cidrsweep serve
  cidrsweep serve --config /etc/cidrsweep/config.yaml
  PORT=3000 cidrsweep serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"api.host": "host",
				"api.port": "port",
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.workers, logging.Default())
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "API listen address (default from config, 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "API listen port (default from config or PORT, 8080)")
	cmd.Flags().IntVar(&opts.workers, "workers", workers.DefaultConfig().Size, "concurrent scheduled sweeps")
	return cmd
}

// runServe wires the service together and blocks until ctx is canceled.
func runServe(ctx context.Context, cfg *config.Config, workerCount int, logger *logging.Logger) error {
	pm := metrics.NewPrometheusMetrics()

	eng := engine.New(newProber(cfg.Scanning.ProbeTimeout),
		engine.WithBatchSize(cfg.Scanning.BatchSize),
		engine.WithRecorder(pm),
		engine.WithLogger(logger))
	scanner := scan.NewScanner(eng,
		scan.WithRecorder(pm),
		scan.WithLogger(logger),
		scan.WithProgressEvery(cfg.Scanning.ProgressEvery),
		scan.WithMaxRangeBits(cfg.Scanning.MaxRangeBits))

	poolConfig := workers.DefaultConfig()
	poolConfig.Size = workerCount
	pool := workers.New(poolConfig, workers.WithRecorder(pm), workers.WithLogger(logger))
	pool.Start()
	defer func() {
		if err := pool.Shutdown(); err != nil {
			logger.Error("Worker pool shutdown failed", "error", err)
		}
	}()

	sched := scheduler.NewScheduler(scanner, pool, logger)
	go sched.Watch(pool.Results())
	if err := sched.Load(cfg.Schedules); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx := sched.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(schedulerStopTimeout):
			logger.Warn("Timed out waiting for scheduled sweeps to stop")
		}
	}()

	if !cfg.IsAPIEnabled() {
		logger.Info("API disabled, running schedules only", "schedules", len(cfg.Schedules))
		<-ctx.Done()
		return nil
	}

	server, err := api.New(cfg, scanner, api.WithLogger(logger), api.WithMetrics(pm))
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	return server.Start(ctx)
}
