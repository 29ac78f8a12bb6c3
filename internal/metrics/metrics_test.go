package metrics

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonathan/pagetest-worker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSummary = `[
  {"id": "ruleScore", "title": "Rule Score", "stats": {"min": 88, "median": 90, "max": 92}},
  {"id": "speedIndex", "stats": {"median": "1200"}},
  {"id": "pageLoadTime", "stats": {"median": 2345.5, "p90": 3000}},
  {"id": "requests", "stats": {"median": 75}},
  {"id": "firstPaint", "stats": {"median": "n/a"}},
  {"id": "backEndTime", "stats": {}}
]`

func TestExtract_AllowListOnly(t *testing.T) {
	aggregates, err := ParseSummary([]byte(sampleSummary))
	require.NoError(t, err)

	got := Extract(aggregates)

	assert.Equal(t, types.MetricSet{
		RuleScore:    90,
		SpeedIndex:   1200,
		PageLoadTime: 2345.5,
	}, got)
	for name := range got {
		assert.True(t, IsAllowed(name), "unexpected metric %s", name)
	}
}

func TestExtract_IsDeterministic(t *testing.T) {
	aggregates, err := ParseSummary([]byte(sampleSummary))
	require.NoError(t, err)

	first := Extract(aggregates)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Extract(aggregates))
	}
}

func TestExtract_Empty(t *testing.T) {
	assert.Empty(t, Extract(nil))
}

func TestExtract_NonFiniteMediansAreSkipped(t *testing.T) {
	aggregates, err := ParseSummary([]byte(`[
  {"id": "ruleScore", "stats": {"median": "NaN"}},
  {"id": "speedIndex", "stats": {"median": "Inf"}},
  {"id": "firstPaint", "stats": {"median": "-infinity"}},
  {"id": "pageLoadTime", "stats": {"median": "1500"}}
]`))
	require.NoError(t, err)

	got := Extract(aggregates)

	assert.Equal(t, types.MetricSet{PageLoadTime: 1500}, got)
	for _, v := range got {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestParseSummary_Invalid(t *testing.T) {
	_, err := ParseSummary([]byte(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestLoadSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleSummary), 0644))

	got, err := LoadSummary(path)
	require.NoError(t, err)
	assert.Equal(t, 90.0, got[RuleScore])
}

func TestLoadSummary_Missing(t *testing.T) {
	_, err := LoadSummary(filepath.Join(t.TempDir(), "missing.json"))
	var serr *SummaryError
	require.ErrorAs(t, err, &serr)
	assert.True(t, os.IsNotExist(serr.Cause))
}

func TestLoadSummary_Unparsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := LoadSummary(path)
	var serr *SummaryError
	assert.ErrorAs(t, err, &serr)
}

func ptr(v float64) *float64 { return &v }

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name       string
		ruleScore  *float64
		speedIndex *float64
		wantStars  int
		wantBody   string
	}{
		{"excellent", ptr(95), ptr(800), 5, "excellent"},
		{"good", ptr(90), ptr(1200), 4, "good"},
		{"ok", ptr(75), ptr(2500), 3, "ok"},
		{"slow", ptr(60), ptr(4000), 2, "slow"},
		{"bad score", ptr(10), ptr(500), 1, "bad"},
		{"bad speed", ptr(99), ptr(20000), 1, "bad"},
		{"missing score", nil, ptr(1000), 0, "unknown"},
		{"missing speed", ptr(90), nil, 0, "unknown"},
		{"both missing", nil, nil, 0, "unknown"},
		{"nan", ptr(math.NaN()), ptr(1000), 0, "unknown"},
		{"inf", ptr(90), ptr(math.Inf(1)), 0, "unknown"},
		{"negative", ptr(-5), ptr(-5), 1, "bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.ruleScore, tt.speedIndex)
			assert.Equal(t, tt.wantStars, got.Stars)
			assert.Equal(t, tt.wantBody, got.BodyID)
			assert.NotEmpty(t, got.BoxTitle)
		})
	}
}

func TestClassify_SameInputSameOutput(t *testing.T) {
	a := Classify(ptr(82), ptr(1999))
	b := Classify(ptr(82), ptr(1999))
	assert.Equal(t, a, b)
}

func TestClassifyMetrics(t *testing.T) {
	assert.Equal(t, Neutral, ClassifyMetrics(nil))
	assert.Equal(t, 4, ClassifyMetrics(types.MetricSet{RuleScore: 90, SpeedIndex: 1200}).Stars)
}

func TestRules_LastRuleMatchesEverything(t *testing.T) {
	last := rules[len(rules)-1]
	assert.True(t, math.IsInf(last.MinRuleScore, -1))
	assert.True(t, math.IsInf(last.MaxSpeedIndex, 1))
}
