// Package pipeline runs the fixed per-job pipeline: measure, extract, report,
// package, upload, with status messages along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/pagetest-worker/internal/measure"
	"github.com/jonathan/pagetest-worker/internal/metrics"
	"github.com/jonathan/pagetest-worker/internal/packaging"
	"github.com/jonathan/pagetest-worker/internal/pipeline/steps"
	"github.com/jonathan/pagetest-worker/internal/rendering"
	"github.com/jonathan/pagetest-worker/internal/storage"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// DefaultPublicBaseURL is where uploaded results are served from unless
// configured otherwise.
const DefaultPublicBaseURL = "http://results.sitespeed.io/"

// StatusSender delivers status messages for a job. Implementations must
// preserve the order of calls.
type StatusSender interface {
	SendStatus(ctx context.Context, msg types.StatusMessage) error
}

// StatusSenderFunc adapts a function to StatusSender
type StatusSenderFunc func(ctx context.Context, msg types.StatusMessage) error

// SendStatus implements StatusSender.
func (f StatusSenderFunc) SendStatus(ctx context.Context, msg types.StatusMessage) error {
	return f(ctx, msg)
}

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	JobID    string        `json:"id"`
	Step     string        `json:"step"`
	Category string        `json:"category"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// Result is the outcome of one job.
type Result struct {
	JobID    string
	Status   types.Status
	Metrics  types.MetricSet
	Warnings []string
	// Err is the stage failure for failed jobs.
	Err      error
	Duration time.Duration
}

// StageError represents a fatal failure of one pipeline step
type StageError struct {
	Step  string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Runner executes jobs. The zero value is not usable; Measure, Uploader and
// Status are required.
type Runner struct {
	Measure  measure.Runner
	Uploader storage.Uploader
	Status   StatusSender

	// DataDir holds the result root of all jobs.
	DataDir string
	// Location is the inbound queue name, shown in the report.
	Location string
	// PublicBaseURL prefixes the output path in report links.
	PublicBaseURL string
	// Assets are copied into every result; nil means the embedded set.
	Assets fs.FS
	// PruneTargets override packaging.PruneTargets when set.
	PruneTargets []string

	OnProgress ProgressCallback
}

// jobRun is the state shared by the steps of one job
type jobRun struct {
	job       *types.Job
	cfg       measure.Config
	metrics   types.MetricSet
	warnings  []string
	completed map[string]bool
}

type stepFunc func(r *Runner, ctx context.Context, jr *jobRun) error

var stepFuncs = map[string]stepFunc{
	steps.StepReportRunning:   (*Runner).reportRunning,
	steps.StepMeasure:         (*Runner).runMeasurement,
	steps.StepExtractMetrics:  (*Runner).extractMetrics,
	steps.StepPreserveResult:  (*Runner).preserveResult,
	steps.StepRenderReport:    (*Runner).renderReport,
	steps.StepPrune:           (*Runner).prune,
	steps.StepInjectAssets:    (*Runner).injectAssets,
	steps.StepArchive:         (*Runner).archive,
	steps.StepReportUploading: (*Runner).reportUploading,
	steps.StepUpload:          (*Runner).upload,
}

// warningsError carries best-effort failures that do not stop the job
type warningsError struct {
	errs []error
}

func (e *warningsError) Error() string {
	return errors.Join(e.errs...).Error()
}

// Run executes the pipeline for job and calls done exactly once with the
// outcome, after the terminal status was sent. Run never panics; a panic in a
// step fails the job.
func (r *Runner) Run(ctx context.Context, job *types.Job, done func(Result)) {
	var once sync.Once
	finish := func(res Result) {
		once.Do(func() {
			if done != nil {
				done(res)
			}
		})
	}
	// a panicking status sender must not leave the caller waiting
	defer func() {
		if p := recover(); p != nil {
			slog.Error("job runner panicked", "job_id", job.ID, "panic", p)
			finish(Result{JobID: job.ID, Status: types.StatusFailed, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	start := time.Now()
	jr := &jobRun{
		job:       job,
		cfg:       measure.ConfigFromJob(job, r.DataDir),
		completed: map[string]bool{},
	}
	logger := slog.With("job_id", job.ID)

	var runErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("pipeline panicked", "panic", p, "stack", string(debug.Stack()))
				runErr = &StageError{Step: "panic", Cause: fmt.Errorf("panic: %v", p)}
			}
		}()
		runErr = r.runSteps(ctx, jr, logger)
	}()

	res := Result{
		JobID:    job.ID,
		Warnings: jr.warnings,
		Duration: time.Since(start),
	}
	status := types.StatusMessage{ID: job.ID, Warnings: jr.warnings}
	if runErr != nil {
		res.Status = types.StatusFailed
		res.Err = runErr
		status.Status = types.StatusFailed
		logger.Error("job failed", "error", runErr, "duration", res.Duration.Round(time.Millisecond))
	} else {
		res.Status = types.StatusDone
		res.Metrics = jr.metrics
		status.Status = types.StatusDone
		status.Metrics = jr.metrics
		logger.Info("job done", "duration", res.Duration.Round(time.Millisecond), "warnings", len(jr.warnings))
	}

	r.sendStatus(ctx, logger, status)
	finish(res)
}

func (r *Runner) runSteps(ctx context.Context, jr *jobRun, logger *slog.Logger) error {
	for _, name := range steps.Order {
		def, err := steps.Lookup(name)
		if err != nil {
			return &StageError{Step: name, Cause: err}
		}
		if err := steps.ValidateDependencies(name, jr.completed); err != nil {
			return &StageError{Step: name, Cause: err}
		}
		fn, ok := stepFuncs[name]
		if !ok {
			return &StageError{Step: name, Cause: fmt.Errorf("no implementation")}
		}

		stepStart := time.Now()
		logger.Debug("step started", "step", name)
		err = fn(r, ctx, jr)
		elapsed := time.Since(stepStart)

		if err != nil && def.Policy == steps.Fatal {
			r.emitProgress(jr.job.ID, def, "failed", elapsed, err)
			return &StageError{Step: name, Cause: err}
		}
		if err != nil {
			logger.Warn("step failed, continuing", "step", name, "error", err)
			if def.Warns {
				jr.warnings = append(jr.warnings, warningMessages(name, err)...)
			}
			r.emitProgress(jr.job.ID, def, "completed with warnings", elapsed, err)
		} else {
			r.emitProgress(jr.job.ID, def, "completed", elapsed, nil)
		}
		jr.completed[name] = true
	}
	return nil
}

func warningMessages(step string, err error) []string {
	var we *warningsError
	if errors.As(err, &we) {
		out := make([]string, 0, len(we.errs))
		for _, e := range we.errs {
			out = append(out, step+": "+e.Error())
		}
		return out
	}
	return []string{step + ": " + err.Error()}
}

func (r *Runner) emitProgress(jobID string, def steps.StepDefinition, msg string, d time.Duration, err error) {
	if r.OnProgress == nil {
		return
	}
	ev := ProgressEvent{
		JobID:    jobID,
		Step:     def.Name,
		Category: def.Category,
		Message:  msg,
		Duration: d,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	r.OnProgress(ev)
}

func (r *Runner) sendStatus(ctx context.Context, logger *slog.Logger, msg types.StatusMessage) {
	if err := r.Status.SendStatus(ctx, msg); err != nil {
		logger.Error("failed to send status", "status", msg.Status, "error", err)
		return
	}
	logger.Debug("status sent", "status", msg.Status)
}

func (r *Runner) reportRunning(ctx context.Context, jr *jobRun) error {
	return r.Status.SendStatus(ctx, types.StatusMessage{ID: jr.job.ID, Status: types.StatusRunning})
}

func (r *Runner) reportUploading(ctx context.Context, jr *jobRun) error {
	return r.Status.SendStatus(ctx, types.StatusMessage{ID: jr.job.ID, Status: types.StatusUploading})
}

// runMeasurement resets the output directory so a re-run never mixes with the
// leftovers of an earlier attempt, then runs the measurement.
func (r *Runner) runMeasurement(ctx context.Context, jr *jobRun) error {
	if err := os.RemoveAll(jr.cfg.OutputDir); err != nil {
		return fmt.Errorf("reset output directory: %w", err)
	}
	if err := os.MkdirAll(jr.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	slog.Info("Start measuring", "job_id", jr.job.ID, "url", jr.job.URL, "output", jr.cfg.OutputPath)
	return r.Measure.Run(ctx, jr.cfg)
}

func (r *Runner) extractMetrics(_ context.Context, jr *jobRun) error {
	m, err := metrics.LoadSummary(filepath.Join(jr.cfg.OutputDir, measure.SummaryPath))
	if err != nil {
		return err
	}
	jr.metrics = m
	return nil
}

// preserveResult keeps the tool's own result page under a second name so the
// generated report can take its place.
func (r *Runner) preserveResult(_ context.Context, jr *jobRun) error {
	src := filepath.Join(jr.cfg.OutputDir, rendering.ReportFile)
	dst := filepath.Join(jr.cfg.OutputDir, rendering.RawResultFile)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("result page missing: %w", err)
	}
	return os.Rename(src, dst)
}

func (r *Runner) renderReport(_ context.Context, jr *jobRun) error {
	return rendering.Generate(jr.cfg.OutputDir, r.reportData(jr))
}

func (r *Runner) reportData(jr *jobRun) *rendering.ReportData {
	job := jr.job
	return &rendering.ReportData{
		ID:             job.ID,
		URL:            job.URL,
		Browser:        job.Browser,
		Connection:     job.ConnectionProfile,
		Location:       r.Location,
		Link:           rendering.RawResultFile,
		MyURL:          publicURL(r.PublicBaseURL, job.OutputPath()),
		Date:           job.SubmittedAt,
		PageTitle:      rendering.ReadPageTitle(filepath.Join(jr.cfg.OutputDir, rendering.RawResultFile)),
		Classification: metrics.ClassifyMetrics(jr.metrics),
		Metrics:        jr.metrics,
	}
}

// publicURL returns base/outputPath/ with exactly one slash between parts.
func publicURL(base, outputPath string) string {
	if base == "" {
		base = DefaultPublicBaseURL
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Trim(outputPath, "/") + "/"
}

func (r *Runner) prune(_ context.Context, jr *jobRun) error {
	targets := r.PruneTargets
	if targets == nil {
		targets = packaging.PruneTargets
	}
	if errs := packaging.Prune(jr.cfg.OutputDir, targets); len(errs) > 0 {
		return &warningsError{errs: errs}
	}
	return nil
}

func (r *Runner) injectAssets(_ context.Context, jr *jobRun) error {
	assets := r.Assets
	if assets == nil {
		assets = packaging.DefaultAssets()
	}
	if errs := packaging.InjectAssets(jr.cfg.OutputDir, assets); len(errs) > 0 {
		return &warningsError{errs: errs}
	}
	return nil
}

func (r *Runner) archive(_ context.Context, jr *jobRun) error {
	return packaging.Archive(jr.cfg.OutputDir, filepath.Join(jr.cfg.OutputDir, jr.job.ArchiveName()))
}

func (r *Runner) upload(ctx context.Context, jr *jobRun) error {
	slog.Info("Uploading result", "job_id", jr.job.ID, "prefix", jr.cfg.OutputPath)
	return r.Uploader.UploadDirectory(ctx, jr.cfg.OutputDir, jr.cfg.OutputPath)
}
