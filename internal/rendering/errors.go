// Package rendering materializes the human-viewable report of a finished page test.
package rendering

import "fmt"

// TemplateError is returned when the report template cannot be parsed or
// executed with the given data.
type TemplateError struct {
	Template string
	Op       string
	Cause    error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("report template %s: %s: %v", e.Template, e.Op, e.Cause)
}

func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// RenderError is returned when the rendered report cannot be written to Dir.
type RenderError struct {
	Dir   string
	Op    string
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("report in %s: %s: %v", e.Dir, e.Op, e.Cause)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}
