package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chromedp/chromedp"
)

// navigationTimingJS reads the navigation timing of the current page, in
// milliseconds from navigation start.
const navigationTimingJS = `(() => {
  const t = performance.timing;
  const paint = performance.getEntriesByName('first-paint')[0] ||
    performance.getEntriesByName('first-contentful-paint')[0];
  return {
    domContentLoadedTime: t.domContentLoadedEventStart - t.navigationStart,
    domInteractiveTime: t.domInteractive - t.navigationStart,
    pageLoadTime: t.loadEventStart - t.navigationStart,
    backEndTime: t.responseStart - t.navigationStart,
    frontEndTime: t.loadEventStart - t.responseEnd,
    firstPaint: paint ? paint.startTime : -1
  };
})()`

const defaultBrowserTimeout = 60 * time.Second

// BrowserRunner measures the start URL of a job in a local headless Chrome.
// It writes the same summary layout as the containerized tool so the rest of
// the pipeline does not care which runner produced it. Page limit, depth and
// connection profile are not applied; only the start URL is measured.
type BrowserRunner struct {
	// Timeout bounds the whole measurement; zero means no bound beyond ctx.
	Timeout time.Duration
	// PageTimeout bounds a single page load.
	PageTimeout time.Duration
}

// Run loads the page Iterations times and writes the medians.
func (r *BrowserRunner) Run(ctx context.Context, cfg Config) error {
	if cfg.PageLimit > 1 || cfg.Depth > 0 {
		slog.Debug("browser runner measures the start URL only", "url", cfg.URL, "page_limit", cfg.PageLimit, "depth", cfg.Depth)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	iterations := cfg.Iterations
	if iterations < 1 {
		iterations = 1
	}

	samples := make([]map[string]float64, 0, iterations)
	for i := 0; i < iterations; i++ {
		sample, err := r.measureOnce(allocCtx, cfg.URL)
		if err != nil {
			return &RunError{URL: cfg.URL, Cause: err}
		}
		slog.Debug("browser iteration finished", "url", cfg.URL, "iteration", i+1, "page_load_ms", sample["pageLoadTime"])
		samples = append(samples, sample)
	}

	if err := writeBrowserResult(cfg, samples); err != nil {
		return &RunError{URL: cfg.URL, Cause: err}
	}
	return nil
}

func (r *BrowserRunner) measureOnce(allocCtx context.Context, url string) (map[string]float64, error) {
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	timeout := r.PageTimeout
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var loaded bool
	var timing map[string]float64
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Poll(`performance.timing.loadEventEnd > 0`, &loaded),
		chromedp.Evaluate(navigationTimingJS, &timing),
	)
	if err != nil {
		return nil, fmt.Errorf("browser measurement failed: %w", err)
	}
	// a missing paint entry is reported as -1
	if v, ok := timing["firstPaint"]; ok && v < 0 {
		delete(timing, "firstPaint")
	}
	return timing, nil
}

// summaryRecord mirrors one aggregate of summary.json
type summaryRecord struct {
	ID    string             `json:"id"`
	Stats map[string]float64 `json:"stats"`
}

// aggregate computes min/median/max per metric across samples, sorted by name.
func aggregate(samples []map[string]float64) []summaryRecord {
	values := map[string][]float64{}
	for _, s := range samples {
		for name, v := range s {
			values[name] = append(values[name], v)
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]summaryRecord, 0, len(names))
	for _, name := range names {
		vs := values[name]
		sort.Float64s(vs)
		out = append(out, summaryRecord{
			ID: name,
			Stats: map[string]float64{
				"min":    vs[0],
				"median": median(vs),
				"max":    vs[len(vs)-1],
			},
		})
	}
	return out
}

// median expects sorted input
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

var browserPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.URL}}</title></head>
<body><h1>{{.URL}}</h1>
<table>{{range .Records}}<tr><td>{{.ID}}</td><td>{{index .Stats "median"}}</td></tr>{{end}}</table>
</body></html>
`))

func writeBrowserResult(cfg Config, samples []map[string]float64) error {
	dataDir := filepath.Join(cfg.OutputDir, filepath.Dir(SummaryPath))
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	records := aggregate(samples)
	summary, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, SummaryPath), summary, 0644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(cfg.OutputDir, ResultPage))
	if err != nil {
		return err
	}
	if err := browserPage.Execute(f, struct {
		URL     string
		Records []summaryRecord
	}{cfg.URL, records}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
