package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/pagetest-worker/internal/config"
	"github.com/jonathan/pagetest-worker/internal/logging"
	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/packaging"
	"github.com/jonathan/pagetest-worker/internal/pipeline"
	"github.com/jonathan/pagetest-worker/internal/queue"
	"github.com/jonathan/pagetest-worker/internal/storage"
)

// queueFields are the config fields only the queue commands need
var queueFields = []string{"FetchQueue", "ResultQueue", "RedisHost", "RedisNamespace", "DatabaseURL", "AMQPURL"}

// loadConfig reads the config file and environment, applies the command's
// arguments through set and its changed flags, validates all fields except
// skip and installs the logger. The returned function closes the log file.
func loadConfig(cmd *cobra.Command, set func(*config.Config), skip ...string) (*config.Config, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if set != nil {
		set(cfg)
	}
	applyFlags(cmd, cfg)

	if err := cfg.ValidateExcept(skip...); err != nil {
		return nil, nil, err
	}
	closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

// queueArgs sets FETCH_QUEUE and DATA_DIR from positional arguments.
func queueArgs(args []string) func(*config.Config) {
	return func(cfg *config.Config) {
		if len(args) > 0 {
			cfg.FetchQueue = args[0]
		}
		if len(args) > 1 {
			cfg.DataDir = args[1]
		}
	}
}

func newTransport(ctx context.Context, cfg *config.Config, queueName string) (queue.Transport, error) {
	opts := queue.Options{
		Queue:             queueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
		Prefetch:          cfg.Concurrency,
	}
	var (
		t   queue.Transport
		err error
	)
	switch cfg.QueueDriver {
	case queue.DriverRedis:
		t, err = queue.NewRedisTransport(ctx, queue.RedisOptions{
			Addr:      cfg.RedisAddr(),
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisNamespace,
		}, opts)
	case queue.DriverPostgres:
		t, err = queue.NewPostgresTransport(ctx, cfg.DatabaseURL, opts)
	case queue.DriverAMQP:
		t, err = queue.NewAMQPTransport(cfg.AMQPURL, opts)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newUploader(ctx context.Context, cfg *config.Config) (storage.Uploader, error) {
	switch cfg.StorageDriver {
	case "gcs":
		u, err := storage.NewGCSUploader(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "local":
		return &storage.LocalUploader{Root: cfg.StorageDir}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// newImageState returns the runtime prerequisite for the configured runner.
// Only the docker runner has one.
func newImageState(cfg *config.Config) *measure.ImageState {
	if cfg.MeasureRunner == "docker" {
		return measure.NewImageState()
	}
	return measure.ReadyImageState()
}

func newMeasureRunner(cfg *config.Config, state *measure.ImageState) measure.Runner {
	if cfg.MeasureRunner == "browser" {
		return &measure.BrowserRunner{Timeout: cfg.MeasureTimeout}
	}
	return &measure.DockerRunner{
		Image:   cfg.Image,
		DataDir: cfg.DataDir,
		Timeout: cfg.MeasureTimeout,
		State:   state,
	}
}

func newPuller(cfg *config.Config) measure.Puller {
	return &measure.DockerPuller{Timeout: cfg.MeasureTimeout}
}

func newPipeline(cfg *config.Config, runner measure.Runner, uploader storage.Uploader, status pipeline.StatusSender) *pipeline.Runner {
	return &pipeline.Runner{
		Measure:       runner,
		Uploader:      uploader,
		Status:        status,
		DataDir:       cfg.DataDir,
		Location:      cfg.FetchQueue,
		PublicBaseURL: cfg.PublicBaseURL,
		Assets:        packaging.AssetsFrom(cfg.AssetsDir),
	}
}

// pullImage prepares the runtime image for the docker runner and does
// nothing for the others.
func pullImage(ctx context.Context, cfg *config.Config, state *measure.ImageState) error {
	if cfg.MeasureRunner != "docker" {
		return nil
	}
	return measure.Prepare(ctx, newPuller(cfg), cfg.Image, state)
}

func logConfig(cfg *config.Config) {
	slog.Info("Configuration",
		"queue_driver", cfg.QueueDriver,
		"fetch_queue", cfg.FetchQueue,
		"result_queue", cfg.ResultQueue,
		"data_dir", cfg.DataDir,
		"measure_runner", cfg.MeasureRunner,
		"image", cfg.Image,
		"measure_timeout", cfg.MeasureTimeout.Round(time.Second),
		"storage_driver", cfg.StorageDriver,
		"concurrency", cfg.Concurrency,
	)
}
