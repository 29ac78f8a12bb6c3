// Package measure runs the external page measurement for a job and manages
// the runtime it depends on.
package measure

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jonathan/pagetest-worker/internal/types"
)

// ResultDirName is the directory below the data dir that holds all result trees.
const ResultDirName = "sitespeed-result"

// Paths the measurement leaves inside a result directory.
const (
	SummaryPath = "data/summary.json"
	ResultPage  = "index.html"
)

// Config is what a measurement run needs to know about a job.
type Config struct {
	URL        string
	Browser    string
	Connection string
	PageLimit  int
	Iterations int
	Depth      int
	// OutputPath is the result location relative to the result root.
	OutputPath string
	// OutputDir is the absolute directory the results must be written to.
	OutputDir string
}

// ConfigFromJob builds the run configuration for job below dataDir.
func ConfigFromJob(job *types.Job, dataDir string) Config {
	return Config{
		URL:        job.URL,
		Browser:    job.Browser,
		Connection: job.ConnectionProfile,
		PageLimit:  job.PageLimit,
		Iterations: job.IterationCount,
		Depth:      job.Depth,
		OutputPath: job.OutputPath(),
		OutputDir:  ResultDir(dataDir, job.OutputPath()),
	}
}

// ResultDir returns the absolute result directory for outputPath.
func ResultDir(dataDir, outputPath string) string {
	return filepath.Join(dataDir, ResultDirName, filepath.FromSlash(outputPath))
}

// Runner performs one measurement. It returns an error when the run did not
// complete successfully; artifacts written before the failure are left as is.
type Runner interface {
	Run(ctx context.Context, cfg Config) error
}

// RunError reports a measurement that did not complete
type RunError struct {
	URL      string
	ExitCode int
	TimedOut bool
	Stderr   string
	Cause    error
}

func (e *RunError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("measurement of %s timed out", e.URL)
	case e.Cause != nil:
		return fmt.Sprintf("measurement of %s failed: %v", e.URL, e.Cause)
	default:
		return fmt.Sprintf("measurement of %s exited with code %d", e.URL, e.ExitCode)
	}
}

func (e *RunError) Unwrap() error {
	return e.Cause
}
