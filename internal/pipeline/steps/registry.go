// Package steps defines the stages of the job pipeline, their order, failure
// policy and dependencies.
package steps

import (
	"fmt"
)

// Step names
const (
	StepReportRunning   = "report_running"
	StepMeasure         = "measure"
	StepExtractMetrics  = "extract_metrics"
	StepPreserveResult  = "preserve_result_page"
	StepRenderReport    = "render_report"
	StepPrune           = "prune"
	StepInjectAssets    = "inject_assets"
	StepArchive         = "archive"
	StepReportUploading = "report_uploading"
	StepUpload          = "upload"
)

// Step categories
const (
	CategoryStatus    = "status"
	CategoryMeasure   = "measure"
	CategoryReport    = "report"
	CategoryPackaging = "packaging"
	CategoryPublish   = "publish"
)

// Policy decides what a failing step does to the job
type Policy int

const (
	// Fatal steps abort the pipeline; the job ends failed.
	Fatal Policy = iota
	// BestEffort steps are logged and, for cleanup steps, reported as warnings.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case Fatal:
		return "fatal"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         string
	Category     string
	Policy       Policy
	Dependencies []string
	// Warns marks best-effort steps whose failures end up in the terminal
	// status warnings.
	Warns bool
}

// Order is the fixed execution order of the pipeline.
var Order = []string{
	StepReportRunning,
	StepMeasure,
	StepExtractMetrics,
	StepPreserveResult,
	StepRenderReport,
	StepPrune,
	StepInjectAssets,
	StepArchive,
	StepReportUploading,
	StepUpload,
}

// StepRegistry holds all step definitions
var StepRegistry = map[string]StepDefinition{
	StepReportRunning: {
		Name:     StepReportRunning,
		Category: CategoryStatus,
		Policy:   BestEffort,
	},
	StepMeasure: {
		Name:     StepMeasure,
		Category: CategoryMeasure,
		Policy:   Fatal,
	},
	StepExtractMetrics: {
		Name:         StepExtractMetrics,
		Category:     CategoryMeasure,
		Policy:       Fatal,
		Dependencies: []string{StepMeasure},
	},
	StepPreserveResult: {
		Name:         StepPreserveResult,
		Category:     CategoryReport,
		Policy:       Fatal,
		Dependencies: []string{StepMeasure},
	},
	StepRenderReport: {
		Name:         StepRenderReport,
		Category:     CategoryReport,
		Policy:       Fatal,
		Dependencies: []string{StepExtractMetrics, StepPreserveResult},
	},
	StepPrune: {
		Name:         StepPrune,
		Category:     CategoryPackaging,
		Policy:       BestEffort,
		Warns:        true,
		Dependencies: []string{StepExtractMetrics},
	},
	StepInjectAssets: {
		Name:         StepInjectAssets,
		Category:     CategoryPackaging,
		Policy:       BestEffort,
		Warns:        true,
		Dependencies: []string{StepRenderReport},
	},
	StepArchive: {
		Name:         StepArchive,
		Category:     CategoryPackaging,
		Policy:       Fatal,
		Dependencies: []string{StepRenderReport},
	},
	StepReportUploading: {
		Name:         StepReportUploading,
		Category:     CategoryStatus,
		Policy:       BestEffort,
		Dependencies: []string{StepArchive},
	},
	StepUpload: {
		Name:         StepUpload,
		Category:     CategoryPublish,
		Policy:       Fatal,
		Dependencies: []string{StepArchive},
	},
}

// Lookup returns the definition of a registered step
func Lookup(name string) (StepDefinition, error) {
	def, ok := StepRegistry[name]
	if !ok {
		return StepDefinition{}, fmt.Errorf("unknown step: %s", name)
	}
	return def, nil
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s has missing dependencies: %v", e.Step, e.MissingDependencies)
}

// ValidateDependencies checks if all required dependencies for a step are completed
func ValidateDependencies(stepName string, completed map[string]bool) error {
	def, err := Lookup(stepName)
	if err != nil {
		return err
	}

	var missing []string
	for _, dep := range def.Dependencies {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}

// ValidateOrder checks that every step of order is registered and runs after
// its dependencies.
func ValidateOrder(order []string) error {
	completed := make(map[string]bool, len(order))
	for _, name := range order {
		if err := ValidateDependencies(name, completed); err != nil {
			return err
		}
		completed[name] = true
	}
	return nil
}
