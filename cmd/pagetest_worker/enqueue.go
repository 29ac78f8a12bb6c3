package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/pagetest-worker/internal/bridge"
	"github.com/jonathan/pagetest-worker/internal/types"
)

var (
	enqueueID         string
	enqueueBrowser    string
	enqueueConnection string
	enqueuePages      int
	enqueueIterations int
	enqueueDepth      int
	enqueueBasePath   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue URL [FETCH_QUEUE_NAME]",
	Short: "Submit a page test job to the fetch queue",
	Long: `Builds a job message for URL, checks it the way the worker will and sends it to
the fetch queue. The job id is printed on success.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Job id (a random uuid when empty)")
	enqueueCmd.Flags().StringVarP(&enqueueBrowser, "browser", "b", "", "Browser passed to the measurement")
	enqueueCmd.Flags().StringVar(&enqueueConnection, "connection", "", "Connection profile passed to the measurement")
	enqueueCmd.Flags().IntVarP(&enqueuePages, "pages", "m", 0, "Maximum number of pages to test")
	enqueueCmd.Flags().IntVarP(&enqueueIterations, "iterations", "n", 0, "Runs per page")
	enqueueCmd.Flags().IntVarP(&enqueueDepth, "depth", "d", 0, "Crawl depth")
	enqueueCmd.Flags().StringVarP(&enqueueBasePath, "base-path", "p", "", "Prefix of the result location")
	addWorkerFlags(enqueueCmd)
	rootCmd.AddCommand(enqueueCmd)
}

// buildJobMessage returns the wire payload for url and the job it decodes to.
func buildJobMessage(url string, now time.Time) ([]byte, *types.Job, error) {
	id := enqueueID
	if id == "" {
		id = uuid.NewString()
	}
	msg := types.JobMessage{
		ID:         types.FlexString(id),
		URL:        url,
		Browser:    enqueueBrowser,
		Connection: enqueueConnection,
		PageLimit:  enqueuePages,
		Iterations: enqueueIterations,
		Depth:      enqueueDepth,
		BasePath:   enqueueBasePath,
		Date:       types.FlexString(now.UTC().Format(time.RFC3339)),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	job, err := bridge.DecodeJob(payload)
	if err != nil {
		return nil, nil, err
	}
	return payload, job, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(cmd, queueArgs(args[1:]), "ResultQueue", "DataDir", "StorageDir", "GCSBucket")
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck

	payload, job, err := buildJobMessage(args[0], time.Now())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	transport, err := newTransport(ctx, cfg, cfg.FetchQueue)
	if err != nil {
		return fmt.Errorf("failed to connect to %s queue: %w", cfg.QueueDriver, err)
	}
	defer transport.Close() //nolint:errcheck

	if err := transport.Send(ctx, cfg.FetchQueue, payload); err != nil {
		return err
	}
	slog.Info("Job enqueued", "job_id", job.ID, "queue", cfg.FetchQueue, "url", job.URL)
	fmt.Fprintln(cmd.OutOrStdout(), job.ID) //nolint:errcheck
	return nil
}
