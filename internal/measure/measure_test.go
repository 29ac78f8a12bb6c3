package measure

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/pagetest-worker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker writes a shell script that logs its arguments and exits with
// $FAKE_DOCKER_EXIT.
func fakeDocker(t *testing.T) (binary, logFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "docker")
	logFile = filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"echo \"$*\" >> \"$FAKE_DOCKER_LOG\"\n" +
		"if [ -n \"$FAKE_DOCKER_SLEEP\" ]; then sleep \"$FAKE_DOCKER_SLEEP\"; fi\n" +
		"echo 'something went wrong' >&2\n" +
		"exit ${FAKE_DOCKER_EXIT:-0}\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	t.Setenv("FAKE_DOCKER_LOG", logFile)
	return binary, logFile
}

func sampleConfig() Config {
	return Config{
		URL:        "http://example.com",
		PageLimit:  1,
		Iterations: 3,
		Depth:      0,
		OutputPath: "data/j1",
		OutputDir:  "/data/sitespeed-result/data/j1",
	}
}

func TestConfigFromJob(t *testing.T) {
	job := &types.Job{
		ID:                "j1",
		URL:               "http://example.com",
		Browser:           "firefox",
		ConnectionProfile: "cable",
		PageLimit:         2,
		IterationCount:    3,
		Depth:             1,
		BasePath:          "data",
	}

	cfg := ConfigFromJob(job, "/srv")

	assert.Equal(t, "data/j1", cfg.OutputPath)
	assert.Equal(t, filepath.Join("/srv", ResultDirName, "data", "j1"), cfg.OutputDir)
	assert.Equal(t, "cable", cfg.Connection)
	assert.Equal(t, 3, cfg.Iterations)
}

func TestDockerRunner_BuildArgs(t *testing.T) {
	r := &DockerRunner{Image: "sitespeedio/sitespeed.io", DataDir: "/data"}

	args := r.buildArgs(sampleConfig())
	assert.Equal(t, []string{
		"run", "--rm", "-v", "/data:/sitespeed.io", "sitespeedio/sitespeed.io", "sitespeed.io",
		"-u", "http://example.com", "-m", "1", "-n", "3", "-d", "0",
		"-r", "/sitespeed.io/sitespeed-result", "--outputFolderName", "data/j1",
	}, args)

	cfg := sampleConfig()
	cfg.Browser = "chrome"
	cfg.Connection = "3g"
	args = r.buildArgs(cfg)
	assert.Equal(t, []string{"-b", "chrome", "--connection", "3g"}, args[len(args)-4:])
}

func TestDockerRunner_Run(t *testing.T) {
	binary, logFile := fakeDocker(t)
	r := &DockerRunner{Image: "img", DataDir: "/data", Binary: binary, Timeout: 10 * time.Second}

	require.NoError(t, r.Run(context.Background(), sampleConfig()))

	calls, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(calls), "run --rm -v /data:/sitespeed.io img"))
}

func TestDockerRunner_NonZeroExit(t *testing.T) {
	binary, _ := fakeDocker(t)
	t.Setenv("FAKE_DOCKER_EXIT", "3")
	r := &DockerRunner{Image: "img", DataDir: "/data", Binary: binary, Timeout: 10 * time.Second}

	err := r.Run(context.Background(), sampleConfig())

	var rerr *RunError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.ExitCode)
	assert.False(t, rerr.TimedOut)
	assert.Contains(t, rerr.Stderr, "something went wrong")
	assert.Contains(t, err.Error(), "exited with code 3")
}

func TestDockerRunner_Timeout(t *testing.T) {
	binary, _ := fakeDocker(t)
	t.Setenv("FAKE_DOCKER_SLEEP", "5")
	r := &DockerRunner{
		Image: "img", DataDir: "/data", Binary: binary,
		Timeout: 200 * time.Millisecond, KillAfter: 200 * time.Millisecond,
	}

	err := r.Run(context.Background(), sampleConfig())

	var rerr *RunError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.TimedOut)
}

func TestDockerRunner_Canceled(t *testing.T) {
	binary, _ := fakeDocker(t)
	t.Setenv("FAKE_DOCKER_SLEEP", "30")
	r := &DockerRunner{
		Image: "img", DataDir: "/data", Binary: binary,
		Timeout: time.Minute, KillAfter: 200 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, sampleConfig())

	require.ErrorIs(t, err, context.DeadlineExceeded)
	var rerr *RunError
	require.ErrorAs(t, err, &rerr)
	assert.False(t, rerr.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDockerRunner_ImageNotReady(t *testing.T) {
	binary, logFile := fakeDocker(t)
	state := NewImageState()
	state.Record(errors.New("pull failed"))
	r := &DockerRunner{Image: "img", DataDir: "/data", Binary: binary, State: state}

	err := r.Run(context.Background(), sampleConfig())

	require.ErrorIs(t, err, ErrImageNotReady)
	assert.NoFileExists(t, logFile)
}

func TestDockerPuller(t *testing.T) {
	binary, logFile := fakeDocker(t)

	require.NoError(t, (&DockerPuller{Binary: binary}).Pull(context.Background(), "img:latest"))
	calls, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "pull img:latest\n", string(calls))

	t.Setenv("FAKE_DOCKER_EXIT", "1")
	err = (&DockerPuller{Binary: binary}).Pull(context.Background(), "img:latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
}

func TestDockerPuller_Canceled(t *testing.T) {
	binary, _ := fakeDocker(t)
	t.Setenv("FAKE_DOCKER_SLEEP", "30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	err := (&DockerPuller{Binary: binary, Timeout: time.Minute}).Pull(ctx, "img:latest")

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

type fakePuller struct {
	errs  []error
	calls int
}

func (p *fakePuller) Pull(_ context.Context, _ string) error {
	p.calls++
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func TestImageState_Lifecycle(t *testing.T) {
	state := NewImageState()
	assert.ErrorIs(t, state.Ready(), ErrImageNotReady)
	assert.True(t, state.Status().Pending)

	puller := &fakePuller{errs: []error{errors.New("registry down")}}
	require.Error(t, Prepare(context.Background(), puller, "img", state))

	select {
	case <-state.Done():
	default:
		t.Fatal("done should be closed after the first attempt")
	}
	err := state.Ready()
	require.ErrorIs(t, err, ErrImageNotReady)
	assert.Contains(t, err.Error(), "registry down")
	assert.False(t, state.Status().Pending)

	require.NoError(t, Prepare(context.Background(), puller, "img", state))
	assert.NoError(t, state.Ready())
	assert.NotNil(t, state.Status().PulledAt)
}

func TestImageState_FailedRefreshKeepsReady(t *testing.T) {
	state := ReadyImageState()
	state.Record(errors.New("refresh failed"))

	assert.NoError(t, state.Ready())
	st := state.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, "refresh failed", st.LastError)
}

func TestStartRefresh_InvalidSchedule(t *testing.T) {
	_, err := StartRefresh(context.Background(), "not a schedule", &fakePuller{}, "img", NewImageState())
	require.Error(t, err)
}

func TestStartRefresh_Stop(t *testing.T) {
	stop, err := StartRefresh(context.Background(), "@every 1h", &fakePuller{}, "img", NewImageState())
	require.NoError(t, err)
	stop()
}

func TestAggregate(t *testing.T) {
	records := aggregate([]map[string]float64{
		{"pageLoadTime": 300, "firstPaint": 10},
		{"pageLoadTime": 100, "firstPaint": 30},
		{"pageLoadTime": 200},
	})

	require.Len(t, records, 2)
	assert.Equal(t, "firstPaint", records[0].ID)
	assert.Equal(t, 20.0, records[0].Stats["median"])
	assert.Equal(t, "pageLoadTime", records[1].ID)
	assert.Equal(t, 200.0, records[1].Stats["median"])
	assert.Equal(t, 100.0, records[1].Stats["min"])
	assert.Equal(t, 300.0, records[1].Stats["max"])
}

func TestWriteBrowserResult(t *testing.T) {
	cfg := sampleConfig()
	cfg.OutputDir = t.TempDir()

	require.NoError(t, writeBrowserResult(cfg, []map[string]float64{{"pageLoadTime": 120}}))

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, SummaryPath))
	require.NoError(t, err)
	var records []summaryRecord
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 120.0, records[0].Stats["median"])
	assert.FileExists(t, filepath.Join(cfg.OutputDir, ResultPage))
}
