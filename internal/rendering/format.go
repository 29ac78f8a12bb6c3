package rendering

import (
	"strconv"

	"github.com/jonathan/pagetest-worker/internal/metrics"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// metricLabels are the display names of the allow-listed metrics
var metricLabels = map[string]string{
	metrics.RuleScore:            "Rule score",
	metrics.SpeedIndex:           "Speed Index",
	metrics.DOMContentLoadedTime: "DOM content loaded",
	metrics.DOMInteractiveTime:   "DOM interactive",
	metrics.FirstPaint:           "First paint",
	metrics.PageLoadTime:         "Page load time",
	metrics.BackEndTime:          "Back-end time",
	metrics.FrontEndTime:         "Front-end time",
}

// MetricRow is one line of the metrics table
type MetricRow struct {
	Name  string
	Label string
	Value string
}

// buildRows lists the measured metrics in allow-list order.
func buildRows(m types.MetricSet) []MetricRow {
	rows := make([]MetricRow, 0, len(m))
	for _, name := range metrics.AllowList {
		v, ok := m.Get(name)
		if !ok {
			continue
		}
		rows = append(rows, MetricRow{
			Name:  name,
			Label: metricLabels[name],
			Value: formatMetric(name, v),
		})
	}
	return rows
}

// formatMetric renders timings in milliseconds and the rule score as a plain number.
func formatMetric(name string, v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if name == metrics.RuleScore || name == metrics.SpeedIndex {
		return s
	}
	return s + " ms"
}
