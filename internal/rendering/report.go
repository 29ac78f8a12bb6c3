package rendering

import (
	"embed"
	"html/template"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonathan/pagetest-worker/internal/metrics"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// ReportFile is the canonical name of the report inside a result directory.
const ReportFile = "index.html"

// RawResultFile is the name the measurement tool's own result page is moved to.
const RawResultFile = "index2.html"

// maxStars is the width of the star rating
const maxStars = 5

const reportTemplate = "report.html.tmpl"

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var (
	reportOnce sync.Once
	reportTmpl *template.Template
	reportErr  error
)

// ReportData is the record the report is rendered from.
type ReportData struct {
	ID             string
	URL            string
	Browser        string
	Connection     string
	Location       string
	Link           string
	MyURL          string
	Date           string
	PageTitle      string
	Classification metrics.Classification
	Metrics        types.MetricSet
}

// Rows returns the measured metrics for the table.
func (d *ReportData) Rows() []MetricRow {
	return buildRows(d.Metrics)
}

// StarSlots returns one entry per star position, true when the star is earned.
func (d *ReportData) StarSlots() []bool {
	slots := make([]bool, maxStars)
	for i := 0; i < d.Classification.Stars && i < maxStars; i++ {
		slots[i] = true
	}
	return slots
}

// Fields flattens the record embedded in the report as JSON: identity,
// configuration and classification keys plus one key per finite metric.
func (d *ReportData) Fields() map[string]any {
	out := map[string]any{
		"id":         d.ID,
		"url":        d.URL,
		"browser":    d.Browser,
		"connection": d.Connection,
		"location":   d.Location,
		"link":       d.Link,
		"myUrl":      d.MyURL,
		"date":       d.Date,
		"title":      d.PageTitle,
		"stars":      d.Classification.Stars,
		"bodyId":     d.Classification.BodyID,
		"boxTitle":   d.Classification.BoxTitle,
	}
	for name, v := range d.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[name] = v
	}
	return out
}

// Generate writes the report into outputDir. The file is rendered to a
// temporary name and renamed, so on error no partial report is left behind
// and a report from an earlier run is only replaced by a complete one.
func Generate(outputDir string, data *ReportData) error {
	tmpl, err := loadTemplate()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(outputDir, ".report-*.html")
	if err != nil {
		return &RenderError{Dir: outputDir, Op: "create report file", Cause: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmpl.Execute(tmp, data); err != nil {
		cleanup()
		return &TemplateError{Template: reportTemplate, Op: "execute", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &RenderError{Dir: outputDir, Op: "flush report", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &RenderError{Dir: outputDir, Op: "close report", Cause: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		_ = os.Remove(tmpName)
		return &RenderError{Dir: outputDir, Op: "set report permissions", Cause: err}
	}
	if err := os.Rename(tmpName, filepath.Join(outputDir, ReportFile)); err != nil {
		_ = os.Remove(tmpName)
		return &RenderError{Dir: outputDir, Op: "move report into place", Cause: err}
	}
	return nil
}

// loadTemplate parses the embedded template once
func loadTemplate() (*template.Template, error) {
	reportOnce.Do(func() {
		tmpl, err := template.ParseFS(templateFS, "templates/"+reportTemplate)
		if err != nil {
			reportErr = &TemplateError{Template: reportTemplate, Op: "parse", Cause: err}
			return
		}
		reportTmpl = tmpl
	})
	return reportTmpl, reportErr
}
