package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/model"
)

func evaluate(t *testing.T, name string, cfg config.PolicyConfig, records []model.TelemetryRecord) model.MetricValue {
	t.Helper()
	ev, err := NewRegistry().Build(name, cfg)
	require.NoError(t, err)

	metrics, err := ev.Evaluate(context.Background(), "app1", records, Extract(records))
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, name, metrics[0].MetricName)
	return metrics[0]
}

func rec(input, output string) model.TelemetryRecord {
	return model.TelemetryRecord{InputText: input, OutputText: output}
}

func TestRegistryHasAllBuiltins(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	assert.Len(t, names, 10)
	for _, name := range []string{
		SafetyToxicity, SafetyBiasFairness, SafetyRobustness, SafetyCompliance,
		PerfGroundedness, PerfRelevance, PerfPrecisionCoherence, PerfReadabilityFluency,
		SystemReliabilityLatency, SystemReliabilityHealth,
	} {
		assert.True(t, r.Known(name), name)
	}
	assert.False(t, r.Known("nonexistent"))
	_, err := r.Build("nonexistent", config.PolicyConfig{})
	require.Error(t, err)
}

func TestToxicity(t *testing.T) {
	records := []model.TelemetryRecord{
		rec("q", "you absolute idiot"),
		rec("q", "a kind and helpful answer"),
		rec("q", "more kindness here"),
		rec("q", "violence is never the answer"),
	}
	m := evaluate(t, SafetyToxicity, config.PolicyConfig{}, records)
	// 2 of 4 outputs contain default toxic terms.
	assert.Equal(t, 0.5, m.Value)
	assert.Equal(t, 2, m.Metadata["toxic_hits"])
	assert.Equal(t, 4, m.Metadata["samples"])
}

func TestToxicityCustomTerms(t *testing.T) {
	records := []model.TelemetryRecord{rec("q", "the gizmo broke"), rec("q", "all good")}
	m := evaluate(t, SafetyToxicity, config.PolicyConfig{
		Parameters: map[string]any{"toxic_terms": []any{"gizmo"}},
	}, records)
	assert.Equal(t, 0.5, m.Value)
}

func TestToxicityEmptySlice(t *testing.T) {
	m := evaluate(t, SafetyToxicity, config.PolicyConfig{}, nil)
	assert.Equal(t, 1.0, m.Value, "no samples score clean")
	assert.Equal(t, 0, m.Metadata["samples"])
}

func TestCompliance(t *testing.T) {
	records := []model.TelemetryRecord{
		rec("q", "your SSN is 123-45-6789"),
		rec("q", "nothing sensitive at all"),
	}
	m := evaluate(t, SafetyCompliance, config.PolicyConfig{}, records)
	assert.Equal(t, 0.5, m.Value)
	assert.Equal(t, 1, m.Metadata["violations"])
}

func TestRelevance(t *testing.T) {
	// Identical token sets overlap fully; disjoint sets not at all.
	full := evaluate(t, PerfRelevance, config.PolicyConfig{}, []model.TelemetryRecord{rec("alpha beta", "alpha beta")})
	assert.Equal(t, 1.0, full.Value)

	none := evaluate(t, PerfRelevance, config.PolicyConfig{}, []model.TelemetryRecord{rec("alpha beta", "gamma delta")})
	assert.Equal(t, 0.0, none.Value)

	// {a,b} vs {b,c}: one shared token over a three-token union.
	partial := evaluate(t, PerfRelevance, config.PolicyConfig{}, []model.TelemetryRecord{rec("alpha beta", "beta gamma")})
	assert.Equal(t, 0.3333, partial.Value)
}

func TestGroundedness(t *testing.T) {
	records := []model.TelemetryRecord{
		rec("q", "see https://example.com for details"),
		rec("q", "as stated in [1], this holds"),
		rec("q", "no citation whatsoever"),
	}
	m := evaluate(t, PerfGroundedness, config.PolicyConfig{}, records)
	assert.Equal(t, 0.6667, m.Value)
}

func TestRobustness(t *testing.T) {
	// Identical lengths: zero variance, perfect score.
	uniform := evaluate(t, SafetyRobustness, config.PolicyConfig{}, []model.TelemetryRecord{
		rec("q", "aaaa"), rec("q", "bbbb"), rec("q", "cccc"),
	})
	assert.Equal(t, 1.0, uniform.Value)

	// Wildly uneven lengths score lower.
	uneven := evaluate(t, SafetyRobustness, config.PolicyConfig{}, []model.TelemetryRecord{
		rec("q", "a"), rec("q", string(make([]byte, 400))),
	})
	assert.Less(t, uneven.Value, 0.5)

	empty := evaluate(t, SafetyRobustness, config.PolicyConfig{}, nil)
	assert.Equal(t, 1.0, empty.Value)
}

func TestBiasFairness(t *testing.T) {
	withGroup := func(output, group string) model.TelemetryRecord {
		r := rec("q", output)
		r.Metadata = map[string]any{"demographic_group": group}
		return r
	}

	// Balanced output lengths across groups: perfect score.
	balanced := evaluate(t, SafetyBiasFairness, config.PolicyConfig{}, []model.TelemetryRecord{
		withGroup("alpha beta gamma", "a"),
		withGroup("delta epsilon zeta", "b"),
	})
	assert.Equal(t, 1.0, balanced.Value)
	assert.Equal(t, 2, balanced.Metadata["groups"])

	// One group gets far longer answers.
	skewed := evaluate(t, SafetyBiasFairness, config.PolicyConfig{}, []model.TelemetryRecord{
		withGroup("one two three four five six seven eight nine ten", "a"),
		withGroup("brief", "b"),
	})
	assert.Less(t, skewed.Value, 1.0)

	// A single group cannot be biased against.
	single := evaluate(t, SafetyBiasFairness, config.PolicyConfig{}, []model.TelemetryRecord{
		withGroup("anything", "a"),
	})
	assert.Equal(t, 1.0, single.Value)
}

func TestLatencyP95(t *testing.T) {
	ms := func(v float64) *float64 { return &v }
	records := []model.TelemetryRecord{
		{LatencyMs: ms(100)},
		{LatencyMs: ms(200)},
		{LatencyMs: ms(300)},
		{LatencyMs: nil}, // records without latency are excluded
	}
	m := evaluate(t, SystemReliabilityLatency, config.PolicyConfig{}, records)
	// ceil(3 * 0.95) - 1 = 2 -> 300.
	assert.Equal(t, 300.0, m.Value)
	assert.Equal(t, 3, m.Metadata["samples"])
	assert.Equal(t, 200.0, m.Metadata["avg_latency_ms"])

	empty := evaluate(t, SystemReliabilityLatency, config.PolicyConfig{}, nil)
	assert.Equal(t, 0.0, empty.Value)
}

func TestAvailability(t *testing.T) {
	withMeta := func(md map[string]any) model.TelemetryRecord {
		r := rec("q", "fine")
		r.Metadata = md
		return r
	}
	records := []model.TelemetryRecord{
		withMeta(map[string]any{"status": "ok"}),
		withMeta(map[string]any{"status": "error"}),
		withMeta(map[string]any{"status": "TIMEOUT"}),
		withMeta(map[string]any{"resource_utilization": 0.97}),
		withMeta(nil),
	}
	m := evaluate(t, SystemReliabilityHealth, config.PolicyConfig{}, records)
	// 3 of 5 degraded.
	assert.Equal(t, 0.4, m.Value)
	assert.Equal(t, 3, m.Metadata["degraded_events"])
}

func TestReadabilityEmptyOutput(t *testing.T) {
	m := evaluate(t, PerfReadabilityFluency, config.PolicyConfig{}, []model.TelemetryRecord{rec("q", "")})
	assert.Equal(t, 0.0, m.Value)
}

func TestPrecisionCoherence(t *testing.T) {
	// Unique words with a terminated sentence score 1.0 (0.7*1 + 0.3*1).
	m := evaluate(t, PerfPrecisionCoherence, config.PolicyConfig{}, []model.TelemetryRecord{
		rec("q", "Every word here is unique."),
	})
	assert.Equal(t, 1.0, m.Value)

	// Heavy repetition without terminal punctuation scores low.
	repeated := evaluate(t, PerfPrecisionCoherence, config.PolicyConfig{}, []model.TelemetryRecord{
		rec("q", "spam spam spam spam spam spam spam spam spam spam"),
	})
	assert.Less(t, repeated.Value, 0.5)
}

func TestBuiltinsAreAggregate(t *testing.T) {
	r := NewRegistry()
	for _, name := range r.Names() {
		ev, err := r.Build(name, config.PolicyConfig{})
		require.NoError(t, err)
		assert.True(t, ev.Aggregate(), name)
		assert.Equal(t, name, ev.Name())
		assert.Equal(t, "1.0", ev.Version())
	}
}
