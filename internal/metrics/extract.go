// Package metrics extracts the measured values from a run summary and classifies them for presentation.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/jonathan/pagetest-worker/internal/types"
)

// Metric names kept from the summary.
const (
	RuleScore            = "ruleScore"
	SpeedIndex           = "speedIndex"
	DOMContentLoadedTime = "domContentLoadedTime"
	DOMInteractiveTime   = "domInteractiveTime"
	FirstPaint           = "firstPaint"
	PageLoadTime         = "pageLoadTime"
	BackEndTime          = "backEndTime"
	FrontEndTime         = "frontEndTime"
)

// AllowList is the fixed set of aggregate names copied into a MetricSet.
var AllowList = []string{
	RuleScore,
	SpeedIndex,
	DOMContentLoadedTime,
	DOMInteractiveTime,
	FirstPaint,
	PageLoadTime,
	BackEndTime,
	FrontEndTime,
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowList))
	for _, name := range AllowList {
		m[name] = true
	}
	return m
}()

// IsAllowed reports whether name is on the allow-list.
func IsAllowed(name string) bool {
	return allowed[name]
}

// Aggregate is one named record of summary.json.
type Aggregate struct {
	ID    string `json:"id"`
	Stats Stats  `json:"stats"`
}

// Stats holds the statistics of an aggregate. Only the median is used.
type Stats struct {
	Median *Number `json:"median"`
}

// Number is a statistic that may be encoded as a JSON number or a numeric string.
// Values that are neither, and non-finite strings such as "NaN", are kept as
// invalid instead of failing the document.
type Number struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			*n = Number{}
			return nil
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*n = Number{}
		return nil
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// SummaryError reports a summary document that could not be read or parsed.
type SummaryError struct {
	Path  string
	Cause error
}

func (e *SummaryError) Error() string {
	return fmt.Sprintf("summary %s: %v", e.Path, e.Cause)
}

func (e *SummaryError) Unwrap() error {
	return e.Cause
}

// ParseSummary decodes the aggregate records of a summary document.
func ParseSummary(data []byte) ([]Aggregate, error) {
	var aggregates []Aggregate
	if err := json.Unmarshal(data, &aggregates); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return aggregates, nil
}

// Extract keeps the median of every allow-listed aggregate. Unknown names are
// ignored and names absent from the summary are absent from the result.
func Extract(aggregates []Aggregate) types.MetricSet {
	out := types.MetricSet{}
	for _, agg := range aggregates {
		if !allowed[agg.ID] {
			continue
		}
		if agg.Stats.Median == nil || !agg.Stats.Median.Valid {
			continue
		}
		out[agg.ID] = agg.Stats.Median.Value
	}
	return out
}

// LoadSummary reads and extracts the summary file at path.
func LoadSummary(path string) (types.MetricSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SummaryError{Path: path, Cause: err}
	}
	aggregates, err := ParseSummary(data)
	if err != nil {
		return nil, &SummaryError{Path: path, Cause: err}
	}
	return Extract(aggregates), nil
}
