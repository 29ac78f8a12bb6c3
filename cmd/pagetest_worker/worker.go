package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/pagetest-worker/internal/bridge"
	"github.com/jonathan/pagetest-worker/internal/config"
	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/server"
)

var (
	workerDriver      string
	workerConcurrency int
	workerRunner      string
	workerStorage     string
	workerHealthAddr  string
	workerLogLevel    string
)

var workerCmd = &cobra.Command{
	Use:   "worker [FETCH_QUEUE_NAME] [DATA_DIR]",
	Short: "Consume page test jobs until interrupted",
	Long: `Pulls the measurement image, then consumes jobs from the fetch queue and reports
their status to the result queue. SIGINT or SIGTERM stops consuming; running jobs
finish before the process exits.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runWorker,
}

func init() {
	addWorkerFlags(workerCmd)
	rootCmd.AddCommand(workerCmd)
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&workerDriver, "driver", "", "Queue driver: redis, postgres or amqp (overrides QUEUE_DRIVER)")
	cmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "Jobs run in parallel (overrides WORKER_CONCURRENCY)")
	cmd.Flags().StringVar(&workerRunner, "runner", "", "Measurement runner: docker or browser (overrides MEASURE_RUNNER)")
	cmd.Flags().StringVar(&workerStorage, "storage", "", "Storage driver: gcs or local (overrides STORAGE_DRIVER)")
	cmd.Flags().StringVar(&workerHealthAddr, "health-addr", "", `Health server address, "" disables it (overrides HEALTH_ADDR)`)
	cmd.Flags().StringVar(&workerLogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
}

// applyFlags copies the flags set on cmd into cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.QueueDriver = workerDriver
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = workerConcurrency
	}
	if flags.Changed("runner") {
		cfg.MeasureRunner = workerRunner
	}
	if flags.Changed("storage") {
		cfg.StorageDriver = workerStorage
	}
	if flags.Changed("health-addr") {
		cfg.HealthAddr = workerHealthAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = workerLogLevel
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(cmd, queueArgs(args))
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerID := uuid.NewString()
	slog.Info("Starting worker", "worker_id", workerID, "pid", os.Getpid())
	logConfig(cfg)

	transport, err := newTransport(ctx, cfg, cfg.FetchQueue)
	if err != nil {
		return fmt.Errorf("failed to connect to %s queue: %w", cfg.QueueDriver, err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			slog.Warn("Closing queue transport failed", "error", err)
		}
	}()

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up %s storage: %w", cfg.StorageDriver, err)
	}

	state := newImageState(cfg)
	reporter := bridge.NewReporter(transport, cfg.ResultQueue)
	runner := newPipeline(cfg, newMeasureRunner(cfg, state), uploader, reporter)
	consumer := bridge.New(transport, runner, bridge.Config{
		Concurrency:     cfg.Concurrency,
		MaxReceiveCount: cfg.MaxReceiveCount,
		Image:           state,
		Status:          reporter,
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MeasureRunner == "docker" && cfg.ImageRefreshSchedule != "" {
		stopRefresh, err := measure.StartRefresh(gctx, cfg.ImageRefreshSchedule, newPuller(cfg), cfg.Image, state)
		if err != nil {
			return err
		}
		defer stopRefresh()
	}
	g.Go(func() error {
		// a failed pull is recorded in state; jobs fail fast until a refresh succeeds
		_ = pullImage(gctx, cfg, state)
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if cfg.HealthAddr != "" {
		srv := server.New(server.Config{
			Addr:     cfg.HealthAddr,
			Image:    state,
			Consumer: consumer,
			Events:   reporter,
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Worker stopped", "worker_id", workerID, "stats", consumer.Stats())
	return nil
}
