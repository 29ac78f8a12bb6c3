package metrics

import (
	"math"

	"github.com/jonathan/pagetest-worker/internal/types"
)

// Classification is the presentation verdict shown on the report.
type Classification struct {
	Stars    int    `json:"stars"`
	BodyID   string `json:"bodyId"`
	BoxTitle string `json:"boxTitle"`
}

// rule matches when ruleScore >= MinRuleScore and speedIndex <= MaxSpeedIndex.
type rule struct {
	MinRuleScore  float64
	MaxSpeedIndex float64
	Result        Classification
}

// rules is evaluated top to bottom; the last entry matches every measured pair.
var rules = []rule{
	{MinRuleScore: 90, MaxSpeedIndex: 1000, Result: Classification{Stars: 5, BodyID: "excellent", BoxTitle: "Wow, your site is really fast"}},
	{MinRuleScore: 80, MaxSpeedIndex: 2000, Result: Classification{Stars: 4, BodyID: "good", BoxTitle: "Your site is fast"}},
	{MinRuleScore: 70, MaxSpeedIndex: 3000, Result: Classification{Stars: 3, BodyID: "ok", BoxTitle: "Your site is OK but could be faster"}},
	{MinRuleScore: 50, MaxSpeedIndex: 5000, Result: Classification{Stars: 2, BodyID: "slow", BoxTitle: "Your site is slow"}},
	{MinRuleScore: math.Inf(-1), MaxSpeedIndex: math.Inf(1), Result: Classification{Stars: 1, BodyID: "bad", BoxTitle: "Your site is really slow"}},
}

// Neutral is returned when either input is missing or not a finite number.
var Neutral = Classification{Stars: 0, BodyID: "unknown", BoxTitle: "We could not rate your site"}

// Classify maps a rule score and speed index to a classification. It is
// defined for every input, nil included.
func Classify(ruleScore, speedIndex *float64) Classification {
	if !finite(ruleScore) || !finite(speedIndex) {
		return Neutral
	}
	for _, r := range rules {
		if *ruleScore >= r.MinRuleScore && *speedIndex <= r.MaxSpeedIndex {
			return r.Result
		}
	}
	return Neutral
}

// ClassifyMetrics classifies the rule score and speed index of m.
func ClassifyMetrics(m types.MetricSet) Classification {
	return Classify(m.Lookup(RuleScore), m.Lookup(SpeedIndex))
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
