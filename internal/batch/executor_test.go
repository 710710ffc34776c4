package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/dedupe"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/policy"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingEvaluator tracks in-flight concurrency and can be made to fail.
type countingEvaluator struct {
	name      string
	aggregate bool
	fail      bool
	delay     time.Duration

	inFlight *atomic.Int64
	maxSeen  *atomic.Int64
}

func (e *countingEvaluator) Name() string    { return e.name }
func (e *countingEvaluator) Version() string { return "1.0" }
func (e *countingEvaluator) Aggregate() bool { return e.aggregate }

func (e *countingEvaluator) Evaluate(_ context.Context, _ string, records []model.TelemetryRecord, _ *policy.Features) ([]model.MetricValue, error) {
	if e.inFlight != nil {
		cur := e.inFlight.Add(1)
		for {
			peak := e.maxSeen.Load()
			if cur <= peak || e.maxSeen.CompareAndSwap(peak, cur) {
				break
			}
		}
		defer e.inFlight.Add(-1)
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail {
		return nil, fmt.Errorf("synthetic failure")
	}
	return []model.MetricValue{{MetricName: e.name, Value: float64(len(records))}}, nil
}

type memChecker struct {
	mu       sync.Mutex
	existing map[string]bool
}

func (m *memChecker) BulkExists(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if m.existing[id] {
			out[id] = true
		}
	}
	return out, nil
}

// boundMeter tracks in-flight evaluations per application and overall, plus
// the peaks reached.
type boundMeter struct {
	mu         sync.Mutex
	perApp     map[string]int
	total      int
	appPeak    int
	perAppPeak int
	totalPeak  int
}

func newBoundMeter() *boundMeter {
	return &boundMeter{perApp: make(map[string]int)}
}

func (m *boundMeter) enter(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perApp[appID]++
	m.total++
	if n := len(m.perApp); n > m.appPeak {
		m.appPeak = n
	}
	if n := m.perApp[appID]; n > m.perAppPeak {
		m.perAppPeak = n
	}
	if m.total > m.totalPeak {
		m.totalPeak = m.total
	}
}

func (m *boundMeter) exit(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perApp[appID]--
	if m.perApp[appID] == 0 {
		delete(m.perApp, appID)
	}
	m.total--
}

// meteredEvaluator reports every in-flight evaluation to a shared boundMeter.
type meteredEvaluator struct {
	name  string
	meter *boundMeter
	delay time.Duration
}

func (e *meteredEvaluator) Name() string    { return e.name }
func (e *meteredEvaluator) Version() string { return "1.0" }
func (e *meteredEvaluator) Aggregate() bool { return false }

func (e *meteredEvaluator) Evaluate(_ context.Context, appID string, records []model.TelemetryRecord, _ *policy.Features) ([]model.MetricValue, error) {
	e.meter.enter(appID)
	defer e.meter.exit(appID)
	time.Sleep(e.delay)
	return []model.MetricValue{{MetricName: e.name, Value: float64(len(records))}}, nil
}

func resolvedApp(appID string, policyNames ...string) config.ResolvedApp {
	policies := make(map[string]config.PolicyConfig, len(policyNames))
	for _, name := range policyNames {
		policies[name] = config.PolicyConfig{}
	}
	return config.ResolvedApp{AppID: appID, PolicyNames: policyNames, Policies: policies}
}

func testApp(policyNames ...string) config.ResolvedApp {
	return resolvedApp("app1", policyNames...)
}

func registryWith(evaluators ...policy.Evaluator) *policy.Registry {
	r := policy.NewRegistry()
	for _, ev := range evaluators {
		ev := ev
		r.Register(ev.Name(), func(string, config.PolicyConfig) policy.Evaluator { return ev })
	}
	return r
}

func traceRecordsFor(appID string, n int) []model.TelemetryRecord {
	records := make([]model.TelemetryRecord, n)
	for i := range records {
		records[i] = model.TelemetryRecord{
			ID:        fmt.Sprintf("%s-r%03d", appID, i),
			AppID:     appID,
			Timestamp: windowStart.Add(time.Duration(i) * time.Second),
			Metadata:  map[string]any{"trace_id": fmt.Sprintf("%s-trace-%03d", appID, i)},
		}
	}
	return records
}

func traceRecords(n int) []model.TelemetryRecord {
	return traceRecordsFor("app1", n)
}

var (
	windowStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
)

func TestExecutorRespectsPolicyConcurrencyBound(t *testing.T) {
	const bound = 3
	var inFlight, maxSeen atomic.Int64

	// Per-record policies over 20 traces yield 20 units each, far more tasks
	// than the bound.
	evs := make([]policy.Evaluator, 5)
	names := make([]string, 5)
	for i := range evs {
		names[i] = fmt.Sprintf("probe_policy_%d", i)
		evs[i] = &countingEvaluator{
			name: names[i], delay: 5 * time.Millisecond,
			inFlight: &inFlight, maxSeen: &maxSeen,
		}
	}

	exec := NewExecutor(registryWith(evs...), dedupe.NewGate(&memChecker{}), bound, testLogger)
	outcome, err := exec.Run(context.Background(), testApp(names...), traceRecords(20), windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 100, outcome.PolicyRuns)
	assert.LessOrEqual(t, maxSeen.Load(), int64(bound), "in-flight evaluations must never exceed the configured bound")
	assert.Greater(t, maxSeen.Load(), int64(1), "evaluations should actually overlap")
}

func TestExecutorPolicyBoundIsPerApplication(t *testing.T) {
	const bound = 3
	meter := newBoundMeter()

	evs := make([]policy.Evaluator, 5)
	names := make([]string, 5)
	for i := range evs {
		names[i] = fmt.Sprintf("metered_policy_%d", i)
		evs[i] = &meteredEvaluator{name: names[i], meter: meter, delay: 5 * time.Millisecond}
	}

	// One executor shared by two applications running concurrently, the way
	// the orchestrator uses it. Each application must get its own slot pool.
	exec := NewExecutor(registryWith(evs...), dedupe.NewGate(&memChecker{}), bound, testLogger)

	var wg sync.WaitGroup
	for _, appID := range []string{"app-a", "app-b"} {
		appID := appID
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := exec.Run(context.Background(), resolvedApp(appID, names...), traceRecordsFor(appID, 20), windowStart, windowEnd)
			if assert.NoError(t, err) {
				assert.Equal(t, 100, outcome.PolicyRuns)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, meter.perAppPeak, bound, "each application stays within its own bound")
	assert.LessOrEqual(t, meter.totalPeak, 2*bound, "total in-flight is capped by apps times the per-app bound")
	assert.Greater(t, meter.totalPeak, bound, "two applications' pools are independent, not one shared pool")
}

func TestExecutorSkipsUnknownPolicies(t *testing.T) {
	ev := &countingEvaluator{name: "probe_policy", aggregate: true}
	exec := NewExecutor(registryWith(ev), dedupe.NewGate(&memChecker{}), 2, testLogger)

	app := testApp("probe_policy")
	app.PolicyNames = append(app.PolicyNames, "no_such_policy")

	outcome, err := exec.Run(context.Background(), app, traceRecords(3), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.PolicyRuns, "the unknown name is skipped, the known one runs")
	assert.Empty(t, outcome.Failures)
}

func TestExecutorIsolatesPolicyFailures(t *testing.T) {
	good := &countingEvaluator{name: "good_policy", aggregate: true}
	bad := &countingEvaluator{name: "bad_policy", aggregate: true, fail: true}
	exec := NewExecutor(registryWith(good, bad), dedupe.NewGate(&memChecker{}), 2, testLogger)

	outcome, err := exec.Run(context.Background(), testApp("good_policy", "bad_policy"), traceRecords(3), windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.PolicyRuns)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "good_policy", outcome.Results[0].PolicyName)
	require.Contains(t, outcome.Failures, "bad_policy")
	assert.Len(t, outcome.Failures["bad_policy"], 1)
}

func TestExecutorSkipsExistingUnits(t *testing.T) {
	ev := &countingEvaluator{name: "probe_policy", aggregate: true}
	records := traceRecords(3)

	unit := dedupe.Units(true, records, windowStart, windowEnd)[0]
	existingID := dedupe.ResultID("app1", "probe_policy", unit.TraceIdentity, "1.0")
	checker := &memChecker{existing: map[string]bool{existingID: true}}

	exec := NewExecutor(registryWith(ev), dedupe.NewGate(checker), 2, testLogger)
	outcome, err := exec.Run(context.Background(), testApp("probe_policy"), records, windowStart, windowEnd)
	require.NoError(t, err)

	assert.Zero(t, outcome.PolicyRuns)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Empty(t, outcome.Results)
}

func TestExecutorNormalizesMetrics(t *testing.T) {
	ev := &countingEvaluator{name: "probe_policy", aggregate: true}
	exec := NewExecutor(registryWith(ev), dedupe.NewGate(&memChecker{}), 2, testLogger)

	records := traceRecords(2)
	outcome, err := exec.Run(context.Background(), testApp("probe_policy"), records, windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)

	result := outcome.Results[0]
	assert.Equal(t, "app1", result.AppID)
	require.Len(t, result.Metrics, 1)

	md := result.Metrics[0].Metadata
	assert.Equal(t, "probe_policy", md["policy_name"])
	assert.Equal(t, "1.0", md["policy_version"])
	assert.Equal(t, model.ValueObjectType, md["value_object_type"])
	assert.NotEmpty(t, md["dedupe_trace_id"])
	assert.Equal(t, windowStart.Format(time.RFC3339Nano), md["window_start"])
}

func TestExecutorEmptyTelemetryStillEvaluates(t *testing.T) {
	ev := &countingEvaluator{name: "probe_policy", aggregate: true}
	exec := NewExecutor(registryWith(ev), dedupe.NewGate(&memChecker{}), 2, testLogger)

	outcome, err := exec.Run(context.Background(), testApp("probe_policy"), nil, windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.PolicyRuns, "an empty window evaluates once with zero-sample metrics")
	require.Len(t, outcome.Results, 1)
	assert.Zero(t, outcome.Results[0].Metrics[0].Value)
}
