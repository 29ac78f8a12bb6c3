// Package observability provides formatted output for the interactive commands.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jonathan/pagetest-worker/internal/metrics"
	"github.com/jonathan/pagetest-worker/internal/pipeline"
	"github.com/jonathan/pagetest-worker/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for run-once mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// PrintJob outputs the decoded job before it runs.
func (p *Printer) PrintJob(job *types.Job) {
	if job == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:          %s\n", job.ID))
	sb.WriteString(fmt.Sprintf("URL:         %s\n", job.URL))
	if job.Browser != "" {
		sb.WriteString(fmt.Sprintf("Browser:     %s\n", job.Browser))
	}
	if job.ConnectionProfile != "" {
		sb.WriteString(fmt.Sprintf("Connection:  %s\n", job.ConnectionProfile))
	}
	sb.WriteString(fmt.Sprintf("Pages:       %d\n", job.PageLimit))
	sb.WriteString(fmt.Sprintf("Iterations:  %d\n", job.IterationCount))
	sb.WriteString(fmt.Sprintf("Depth:       %d\n", job.Depth))
	sb.WriteString(fmt.Sprintf("Output:      %s", job.OutputPath()))

	p.printBox("PAGE TEST JOB", sb.String())
}

// PrintProgress outputs one line per finished step.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(event pipeline.ProgressEvent) {
	mark := "✓"
	if event.Err != "" {
		mark = "✗"
	}
	line := fmt.Sprintf("%s %-22s %8s", mark, event.Step, event.Duration.Round(1e6))
	if event.Err != "" {
		line += "  " + truncate(event.Err, 60)
	}
	fmt.Fprintln(p.out, line)
}

// PrintResult outputs the outcome of a job with its metrics and rating.
func (p *Printer) PrintResult(res pipeline.Result) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Job:       %s\n", res.JobID))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", res.Status))
	sb.WriteString(fmt.Sprintf("Duration:  %s\n", res.Duration.Round(1e6)))

	if res.Err != nil {
		sb.WriteString(fmt.Sprintf("\nError:\n  %s\n", res.Err))
	}

	if len(res.Metrics) > 0 {
		c := metrics.ClassifyMetrics(res.Metrics)
		sb.WriteString(fmt.Sprintf("\nRating:    %s %s\n", stars(c.Stars), c.BodyID))
		sb.WriteString("\nMetrics:\n")
		for _, name := range metricNames(res.Metrics) {
			sb.WriteString(fmt.Sprintf("  %-22s %10.0f\n", name, res.Metrics[name]))
		}
	}

	if len(res.Warnings) > 0 {
		sb.WriteString(fmt.Sprintf("\nWarnings (%d):\n", len(res.Warnings)))
		count := min(len(res.Warnings), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  ⚠ %s\n", res.Warnings[i]))
		}
		if len(res.Warnings) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(res.Warnings)-maxItemsToShow))
		}
	}

	title := "✅ JOB DONE"
	if res.Status != types.StatusDone {
		title = "❌ JOB FAILED"
	}
	p.printBox(title, strings.TrimSuffix(sb.String(), "\n"))
}

// metricNames lists the allow-listed names first, in their fixed order.
func metricNames(m types.MetricSet) []string {
	names := make([]string, 0, len(m))
	for _, name := range metrics.AllowList {
		if _, ok := m[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range m {
		if !metrics.IsAllowed(name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func stars(n int) string {
	return strings.Repeat("★", n) + strings.Repeat("☆", 5-n)
}
