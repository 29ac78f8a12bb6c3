package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pagetest-worker/internal/config"
	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/storage"
)

func TestQueueArgs(t *testing.T) {
	cfg := config.Default()
	queueArgs([]string{"jobs", "/data"})(cfg)
	assert.Equal(t, "jobs", cfg.FetchQueue)
	assert.Equal(t, "/data", cfg.DataDir)

	cfg = config.Default()
	cfg.DataDir = "/from-env"
	queueArgs([]string{"jobs"})(cfg)
	assert.Equal(t, "jobs", cfg.FetchQueue)
	assert.Equal(t, "/from-env", cfg.DataDir)
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addWorkerFlags(cmd)
	require.NoError(t, cmd.Flags().Set("driver", "amqp"))
	require.NoError(t, cmd.Flags().Set("concurrency", "3"))
	require.NoError(t, cmd.Flags().Set("health-addr", ""))

	cfg := config.Default()
	cfg.LogLevel = "debug"
	applyFlags(cmd, cfg)

	assert.Equal(t, "amqp", cfg.QueueDriver)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Empty(t, cfg.HealthAddr)
	assert.Equal(t, "debug", cfg.LogLevel, "unchanged flags keep the loaded value")
	assert.Equal(t, "docker", cfg.MeasureRunner)
}

func TestBuildJobMessage(t *testing.T) {
	t.Cleanup(func() {
		enqueueID, enqueueBasePath, enqueueIterations = "", "", 0
	})

	enqueueID = "job-42"
	enqueueBasePath = "nightly"
	enqueueIterations = 3
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	payload, job, err := buildJobMessage("https://example.com", now)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, "job-42", wire["id"])
	assert.Equal(t, "https://example.com", wire["u"])
	assert.Equal(t, "nightly", wire["p"])
	assert.Equal(t, "2026-10-19T08:00:00Z", wire["date"])
	assert.NotContains(t, wire, "b")

	assert.Equal(t, "nightly/job-42", job.OutputPath())
	assert.Equal(t, 3, job.IterationCount)
	assert.Equal(t, 1, job.PageLimit)
}

func TestBuildJobMessage_GeneratesID(t *testing.T) {
	_, first, err := buildJobMessage("https://example.com", time.Now())
	require.NoError(t, err)
	_, second, err := buildJobMessage("https://example.com", time.Now())
	require.NoError(t, err)

	assert.Len(t, first.ID, 36)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBuildJobMessage_Invalid(t *testing.T) {
	t.Cleanup(func() { enqueueBasePath = "" })
	enqueueBasePath = "../escape"

	_, _, err := buildJobMessage("https://example.com", time.Now())
	assert.Error(t, err)
}

func TestReadJobFile(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(valid, []byte(`{"id": 7, "u": "https://example.com", "n": 2}`), 0644))
	invalid := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"id": "x"}`), 0644))

	job, err := readJobFile(valid)
	require.NoError(t, err)
	assert.Equal(t, "7", job.ID)
	assert.Equal(t, 2, job.IterationCount)

	_, err = readJobFile(invalid)
	assert.Error(t, err)

	_, err = readJobFile(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read job file")
}

func TestNewUploader(t *testing.T) {
	cfg := config.Default()
	cfg.StorageDir = t.TempDir()

	u, err := newUploader(context.Background(), cfg)
	require.NoError(t, err)
	local, ok := u.(*storage.LocalUploader)
	require.True(t, ok)
	assert.Equal(t, cfg.StorageDir, local.Root)

	cfg.StorageDriver = "s3"
	_, err = newUploader(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestNewTransport_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.QueueDriver = "sqs"

	_, err := newTransport(context.Background(), cfg, "jobs")
	assert.ErrorContains(t, err, "unknown queue driver")
}

func TestMeasureRunnerSelection(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/data"

	state := newImageState(cfg)
	assert.ErrorIs(t, state.Ready(), measure.ErrImageNotReady)
	docker, ok := newMeasureRunner(cfg, state).(*measure.DockerRunner)
	require.True(t, ok)
	assert.Equal(t, "sitespeedio/sitespeed.io", docker.Image)
	assert.Equal(t, 30*time.Minute, docker.Timeout)

	cfg.MeasureRunner = "browser"
	state = newImageState(cfg)
	assert.NoError(t, state.Ready())
	cfg.MeasureTimeout = 5 * time.Minute
	browser, ok := newMeasureRunner(cfg, state).(*measure.BrowserRunner)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, browser.Timeout)
	assert.NoError(t, pullImage(context.Background(), cfg, state), "nothing to pull for the browser runner")
}

func TestNewPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.FetchQueue = "jobs"
	cfg.DataDir = "/data"

	r := newPipeline(cfg, &measure.BrowserRunner{}, &storage.LocalUploader{Root: "/srv"}, nil)
	assert.Equal(t, "jobs", r.Location)
	assert.Equal(t, "/data", r.DataDir)
	assert.Equal(t, config.DefaultPublicBaseURL, r.PublicBaseURL)
	assert.NotNil(t, r.Assets)
}

func TestRootCommand_RejectsExtraArgs(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"a", "b", "c"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "accepts at most 2 arg(s)")
}
