package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/pagetest-worker/internal/bridge"
	"github.com/jonathan/pagetest-worker/internal/config"
	"github.com/jonathan/pagetest-worker/internal/observability"
	"github.com/jonathan/pagetest-worker/internal/pipeline"
	"github.com/jonathan/pagetest-worker/internal/types"
)

var runOnceSkipPull bool

var runOnceCmd = &cobra.Command{
	Use:   "run-once JOB_FILE [DATA_DIR]",
	Short: "Run one job from a JSON file without a queue",
	Long: `Reads a job message (the same JSON the fetch queue carries) from JOB_FILE, or
stdin when JOB_FILE is "-", runs the full pipeline for it and prints a summary.
Status messages are printed instead of being sent. Exits non-zero when the job fails.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runOnce,
}

func init() {
	runOnceCmd.Flags().BoolVar(&runOnceSkipPull, "skip-pull", false, "Use the local measurement image without pulling it first")
	addWorkerFlags(runOnceCmd)
	rootCmd.AddCommand(runOnceCmd)
}

func readJobFile(path string) (*types.Job, error) {
	var (
		body []byte
		err  error
	)
	if path == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return bridge.DecodeJob(body)
}

// statusPrinter logs status messages instead of sending them
func statusPrinter() pipeline.StatusSender {
	return pipeline.StatusSenderFunc(func(_ context.Context, msg types.StatusMessage) error {
		slog.Info("Status", "job_id", msg.ID, "status", msg.Status)
		return nil
	})
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(cmd, func(cfg *config.Config) {
		if len(args) > 1 {
			cfg.DataDir = args[1]
		}
	}, queueFields...)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck

	job, err := readJobFile(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	printer := observability.NewPrinter(cmd.OutOrStdout())
	printer.PrintJob(job)

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up %s storage: %w", cfg.StorageDriver, err)
	}

	state := newImageState(cfg)
	if runOnceSkipPull {
		state.Record(nil)
	} else if err := pullImage(ctx, cfg, state); err != nil {
		return err
	}

	runner := newPipeline(cfg, newMeasureRunner(cfg, state), uploader, statusPrinter())
	runner.Location = "run-once"
	runner.OnProgress = printer.PrintProgress

	results := make(chan pipeline.Result, 1)
	runner.Run(ctx, job, func(res pipeline.Result) { results <- res })
	res := <-results

	printer.PrintResult(res)
	if res.Status != types.StatusDone {
		return fmt.Errorf("job %s failed", res.JobID)
	}
	return nil
}
