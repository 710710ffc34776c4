// Package threshold evaluates metric values against configured limits.
//
// Evaluation is a pure function: it never mutates the threshold maps it is
// given and never persists anything. It runs in two contexts with the same
// semantics: at batch time over freshly computed metrics (to decide what to
// notify) and at dashboard time over persisted metrics. The two can disagree
// when thresholds change between runs; that is the runtime-tunable-thresholds
// tradeoff, preserved deliberately.
package threshold

import (
	"github.com/ashita-ai/hyoka/internal/model"
)

// Evaluate returns the breaches for metrics under the given thresholds,
// optionally overlaid with per-call dynamic overrides. Overrides replace the
// corresponding metric's rules for this call only; the base map is never
// written to. Both warning and critical may fire independently for the same
// metric.
func Evaluate(metrics []model.MetricValue, thresholds model.ThresholdMap, overrides model.ThresholdMap) []model.Breach {
	var breaches []model.Breach
	for _, m := range metrics {
		rules, ok := overrides[m.MetricName]
		if !ok {
			rules = thresholds[m.MetricName]
		}
		for _, rule := range rules {
			if breached(m.Value, rule) {
				breaches = append(breaches, model.Breach{
					MetricName:     m.MetricName,
					Level:          rule.Level,
					ThresholdValue: rule.Value,
					ActualValue:    m.Value,
					Direction:      rule.Direction,
				})
			}
		}
	}
	return breaches
}

// Merge overlays app-level rules onto global defaults; the app wins on
// conflict for a given metric name. Inputs are not mutated.
func Merge(global, app model.ThresholdMap) model.ThresholdMap {
	merged := make(model.ThresholdMap, len(global)+len(app))
	for metric, rules := range global {
		merged[metric] = append([]model.ThresholdRule(nil), rules...)
	}
	for metric, rules := range app {
		merged[metric] = append([]model.ThresholdRule(nil), rules...)
	}
	return merged
}

func breached(value float64, rule model.ThresholdRule) bool {
	switch rule.Direction {
	case model.DirectionMin:
		return value < rule.Value
	case model.DirectionMax:
		return value > rule.Value
	default:
		// Unsupported directions are rejected at config validation; an
		// unknown direction reaching here never fires.
		return false
	}
}
