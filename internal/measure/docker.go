package measure

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/timeout"
)

const (
	// containerDataDir is where the data dir is mounted inside the container
	containerDataDir = "/sitespeed.io"

	defaultDockerBinary = "docker"
	defaultKillAfter    = 10 * time.Second
	defaultRunTimeout   = 30 * time.Minute
	defaultPullTimeout  = 30 * time.Minute

	// maxStderrLen bounds the stderr kept on a RunError
	maxStderrLen = 4000
)

// DockerRunner runs the measurement tool in a container with the data dir mounted.
type DockerRunner struct {
	Image     string
	DataDir   string
	Binary    string
	Timeout   time.Duration
	KillAfter time.Duration
	State     *ImageState
}

// Run executes one measurement and waits for the container to exit. A
// canceled ctx stops the container like a timeout does.
func (r *DockerRunner) Run(ctx context.Context, cfg Config) error {
	if r.State != nil {
		if err := r.State.Ready(); err != nil {
			return &RunError{URL: cfg.URL, Cause: err}
		}
	}

	args := r.buildArgs(cfg)
	slog.Debug("starting measurement container", "url", cfg.URL, "output", cfg.OutputPath, "args", strings.Join(args, " "))

	d := r.Timeout
	if d <= 0 {
		d = defaultRunTimeout
	}
	status, stdout, stderr, err := runSupervised(ctx, exec.Command(r.binary(), args...), d, r.killAfter())
	logLines(slog.LevelDebug, "measurement output", stdout)
	if err != nil {
		return &RunError{URL: cfg.URL, Stderr: truncate(stderr), Cause: err}
	}
	if status.IsCanceled() {
		return &RunError{URL: cfg.URL, Stderr: truncate(stderr), Cause: ctx.Err()}
	}
	if status.IsTimedOut() {
		return &RunError{URL: cfg.URL, TimedOut: true, Stderr: truncate(stderr)}
	}
	if code := status.GetChildExitCode(); code != 0 {
		return &RunError{URL: cfg.URL, ExitCode: code, Stderr: truncate(stderr)}
	}
	return nil
}

// runSupervised runs cmd under a timeout with kill-after and stops it early
// when ctx is canceled.
func runSupervised(ctx context.Context, cmd *exec.Cmd, d, killAfter time.Duration) (*timeout.ExitStatus, string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	tio := &timeout.Timeout{
		Cmd:             cmd,
		Duration:        d,
		KillAfter:       killAfter,
		KillAfterCancel: killAfter,
	}
	status, err := tio.RunContext(ctx)
	return status, stdout.String(), stderr.String(), err
}

// buildArgs maps the job configuration onto the measurement tool's flags.
func (r *DockerRunner) buildArgs(cfg Config) []string {
	args := []string{
		"run", "--rm",
		"-v", r.DataDir + ":" + containerDataDir,
		r.Image,
		"sitespeed.io",
		"-u", cfg.URL,
		"-m", strconv.Itoa(cfg.PageLimit),
		"-n", strconv.Itoa(cfg.Iterations),
		"-d", strconv.Itoa(cfg.Depth),
		"-r", path.Join(containerDataDir, ResultDirName),
		"--outputFolderName", cfg.OutputPath,
	}
	if cfg.Browser != "" {
		args = append(args, "-b", cfg.Browser)
	}
	if cfg.Connection != "" {
		args = append(args, "--connection", cfg.Connection)
	}
	return args
}

func (r *DockerRunner) binary() string {
	if r.Binary == "" {
		return defaultDockerBinary
	}
	return r.Binary
}

func (r *DockerRunner) killAfter() time.Duration {
	if r.KillAfter == 0 {
		return defaultKillAfter
	}
	return r.KillAfter
}

// DockerPuller fetches images with the docker CLI.
type DockerPuller struct {
	Binary  string
	Timeout time.Duration
}

// Pull runs docker pull and logs its progress lines.
func (p *DockerPuller) Pull(ctx context.Context, image string) error {
	binary := p.Binary
	if binary == "" {
		binary = defaultDockerBinary
	}
	d := p.Timeout
	if d <= 0 {
		d = defaultPullTimeout
	}

	status, stdout, stderr, err := runSupervised(ctx, exec.Command(binary, "pull", image), d, defaultKillAfter)
	logLines(slog.LevelDebug, "pull progress", stdout)
	if err != nil {
		return fmt.Errorf("docker pull %s: %w", image, err)
	}
	if status.IsCanceled() {
		return fmt.Errorf("docker pull %s: %w", image, ctx.Err())
	}
	if status.IsTimedOut() {
		return fmt.Errorf("docker pull %s timed out after %s", image, d)
	}
	if code := status.GetChildExitCode(); code != 0 {
		return fmt.Errorf("docker pull %s exited with code %d: %s", image, code, strings.TrimSpace(truncate(stderr)))
	}
	return nil
}

func logLines(level slog.Level, msg, output string) {
	if !slog.Default().Enabled(context.Background(), level) {
		return
	}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			slog.Log(context.Background(), level, msg, "line", line)
		}
	}
}

func truncate(s string) string {
	if len(s) <= maxStderrLen {
		return s
	}
	return s[len(s)-maxStderrLen:]
}
