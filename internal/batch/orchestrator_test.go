package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/dedupe"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/notify"
	"github.com/ashita-ai/hyoka/internal/policy"
	"github.com/ashita-ai/hyoka/internal/source"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

var testStore *storage.Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testStore, err = tc.NewTestStore(context.Background(), testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	os.Exit(m.Run())
}

// captureNotifier records every notification it receives.
type captureNotifier struct {
	mu    sync.Mutex
	calls map[string][]model.Breach
}

func (n *captureNotifier) Notify(_ context.Context, appID string, _ notify.Window, breaches []model.Breach) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string][]model.Breach)
	}
	n.calls[appID] = append(n.calls[appID], breaches...)
	return nil
}

func testConfig(t *testing.T, tc config.StoreConfig) *config.Config {
	t.Helper()
	return &config.Config{
		DefaultBatchInterval: time.Hour,
		AppConcurrency:       4,
		PolicyConcurrency:    4,
		Store:                tc,
		TelemetrySource:      config.TelemetrySourceConfig{Type: config.SourceStore},
		EvaluationPolicies: map[string]config.PolicyConfig{
			policy.SafetyToxicity:           {},
			policy.SystemReliabilityLatency: {},
		},
		DefaultPolicies: []string{policy.SafetyToxicity, policy.SystemReliabilityLatency},
		GlobalThresholds: model.ThresholdMap{
			policy.SafetyToxicity: {
				{Level: model.LevelWarning, Value: 0.9, Direction: model.DirectionMin},
			},
			policy.SystemReliabilityLatency: {
				{Level: model.LevelCritical, Value: 2000, Direction: model.DirectionMax},
			},
		},
		Applications: map[string]config.AppConfig{
			"app-busy":  {},
			"app-quiet": {},
		},
		JobStatusPath: filepath.Join(t.TempDir(), "jobs.db"),
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, registry *policy.Registry, notifier notify.Notifier) (*Orchestrator, *jobs.Tracker) {
	t.Helper()

	src, err := source.New(cfg, testStore, testLogger)
	require.NoError(t, err)

	tracker, err := jobs.Open(cfg.JobStatusPath)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	metrics, err := telemetry.NewMetrics()
	require.NoError(t, err)

	executor := NewExecutor(registry, dedupe.NewGate(testStore), cfg.PolicyConcurrency, testLogger)
	return NewOrchestrator(cfg, testStore, src, executor, tracker, notifier, metrics, testLogger), tracker
}

func seedTelemetry(t *testing.T, appID string, start time.Time, toxic bool, latencies []float64) {
	t.Helper()
	records := make([]model.TelemetryRecord, len(latencies))
	for i, lat := range latencies {
		lat := lat
		output := "a perfectly helpful answer with enough words."
		if toxic {
			output = "you are a stupid idiot."
		}
		records[i] = model.TelemetryRecord{
			ID:         fmt.Sprintf("%s-rec-%d-%d", appID, start.Unix(), i),
			AppID:      appID,
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			ModelID:    "gpt-test",
			InputText:  "please summarize the report",
			OutputText: output,
			LatencyMs:  &lat,
			Metadata:   map[string]any{"trace_id": fmt.Sprintf("%s-trace-%d", appID, start.Unix())},
		}
	}
	// One untraced record alongside the traced ones.
	records = append(records, model.TelemetryRecord{
		ID:         fmt.Sprintf("%s-rec-%d-untraced", appID, start.Unix()),
		AppID:      appID,
		Timestamp:  start.Add(30 * time.Minute),
		ModelID:    "gpt-test",
		InputText:  "hello",
		OutputText: "hello there.",
	})
	require.NoError(t, testStore.InsertTelemetry(context.Background(), records))
}

func TestOrchestratorEndToEnd(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	cfg := testConfig(t, testutilStoreConfig())
	notifier := &captureNotifier{}
	orch, tracker := newTestOrchestrator(t, cfg, policy.NewRegistry(), notifier)

	// app-busy has toxic, slow telemetry; app-quiet has nothing in the window.
	seedTelemetry(t, "app-busy", start, true, []float64{500, 3000, 4500})

	runID, err := orch.Run(ctx, RunOptions{WindowStart: start, WindowEnd: end})
	require.NoError(t, err)

	run, err := tracker.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	require.Len(t, run.Items, 2)
	assert.Equal(t, 2, run.Stats.Completed)
	assert.Zero(t, run.Stats.Failed)

	for _, item := range run.Items {
		assert.Equal(t, model.StatusCompleted, item.Status)
		assert.Equal(t, 2, item.PolicyRuns, "both policies evaluate even with zero records")
		require.NotNil(t, item.NextBatchRunUTC)
	}

	// Toxic outputs and slow latencies breach for app-busy only.
	assert.NotEmpty(t, notifier.calls["app-busy"])
	levels := make(map[model.Level]bool)
	for _, b := range notifier.calls["app-busy"] {
		levels[b.Level] = true
	}
	assert.True(t, levels[model.LevelWarning], "toxicity breach")
	assert.True(t, levels[model.LevelCritical], "latency breach")
	assert.Empty(t, notifier.calls["app-quiet"], "zero-sample metrics score clean and stay under thresholds")

	// Results were persisted for both apps.
	busy, err := testStore.QueryLatestResults(ctx, "app-busy", 10)
	require.NoError(t, err)
	assert.Len(t, busy, 2)
	quiet, err := testStore.QueryLatestResults(ctx, "app-quiet", 10)
	require.NoError(t, err)
	assert.Len(t, quiet, 2, "an empty window still persists one result per policy")

	// A rerun over the same window recomputes nothing.
	rerunID, err := orch.Run(ctx, RunOptions{WindowStart: start, WindowEnd: end})
	require.NoError(t, err)
	rerun, err := tracker.GetRun(ctx, rerunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rerun.Status)
	assert.Zero(t, rerun.Stats.TotalPolicies, "identical telemetry and versions skip every unit")

	after, err := testStore.QueryLatestResults(ctx, "app-busy", 10)
	require.NoError(t, err)
	assert.Len(t, after, 2, "rerun persisted nothing new")
}

func TestOrchestratorVersionBumpRecomputes(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	cfg := testConfig(t, testutilStoreConfig())
	orch, tracker := newTestOrchestrator(t, cfg, policy.NewRegistry(), &captureNotifier{})
	seedTelemetry(t, "app-busy", start, false, []float64{100})

	runID, err := orch.Run(ctx, RunOptions{AppID: "app-busy", WindowStart: start, WindowEnd: end})
	require.NoError(t, err)
	run, err := tracker.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Stats.TotalPolicies)

	// Bump one policy's value-object version; only that policy recomputes.
	cfg.EvaluationPolicies[policy.SafetyToxicity] = config.PolicyConfig{
		Parameters: map[string]any{"version": "2.0"},
	}
	bumpID, err := orch.Run(ctx, RunOptions{AppID: "app-busy", WindowStart: start, WindowEnd: end})
	require.NoError(t, err)
	bumped, err := tracker.GetRun(ctx, bumpID)
	require.NoError(t, err)
	assert.Equal(t, 1, bumped.Stats.TotalPolicies, "only the bumped policy recomputes")
}

func TestOrchestratorUnknownAppRunsOnDefaults(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	cfg := testConfig(t, testutilStoreConfig())
	orch, tracker := newTestOrchestrator(t, cfg, policy.NewRegistry(), &captureNotifier{})

	runID, err := orch.Run(ctx, RunOptions{AppID: "app-unregistered", WindowStart: start, WindowEnd: end})
	require.NoError(t, err)

	run, err := tracker.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	require.Len(t, run.Items, 1)
	assert.Equal(t, "app-unregistered", run.Items[0].ItemID)
	assert.Equal(t, model.StatusCompleted, run.Items[0].Status)
}

func TestOrchestratorShardedRun(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 13, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	cfg := testConfig(t, testutilStoreConfig())
	orch, tracker := newTestOrchestrator(t, cfg, policy.NewRegistry(), &captureNotifier{})

	// Two apps, shard size 1: index 0 sees only the first app in sorted order.
	runID, err := orch.Run(ctx, RunOptions{WindowStart: start, WindowEnd: end, GroupSize: 1, GroupIndex: 0})
	require.NoError(t, err)

	run, err := tracker.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, run.Items, 1)
	assert.Equal(t, "app-busy", run.Items[0].ItemID)
}

func seedDistinctTraces(t *testing.T, appID string, start time.Time, n int) {
	t.Helper()
	records := make([]model.TelemetryRecord, n)
	for i := range records {
		records[i] = model.TelemetryRecord{
			ID:         fmt.Sprintf("%s-r%03d", appID, i),
			AppID:      appID,
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			ModelID:    "gpt-test",
			InputText:  "hello",
			OutputText: "hello there.",
			Metadata:   map[string]any{"trace_id": fmt.Sprintf("%s-trace-%03d", appID, i)},
		}
	}
	require.NoError(t, testStore.InsertTelemetry(context.Background(), records))
}

func TestOrchestratorHonorsBothConcurrencyBounds(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 14, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	meter := newBoundMeter()
	evs := make([]policy.Evaluator, 5)
	names := make([]string, 5)
	for i := range evs {
		names[i] = fmt.Sprintf("metered_policy_%d", i)
		evs[i] = &meteredEvaluator{name: names[i], meter: meter, delay: 2 * time.Millisecond}
	}
	policies := make(map[string]config.PolicyConfig, len(names))
	for _, name := range names {
		policies[name] = config.PolicyConfig{}
	}

	apps := make(map[string]config.AppConfig, 10)
	for i := 0; i < 10; i++ {
		appID := fmt.Sprintf("bound-app-%02d", i)
		apps[appID] = config.AppConfig{}
		seedDistinctTraces(t, appID, start, 20)
	}

	cfg := &config.Config{
		DefaultBatchInterval: time.Hour,
		AppConcurrency:       2,
		PolicyConcurrency:    3,
		Store:                testutilStoreConfig(),
		TelemetrySource:      config.TelemetrySourceConfig{Type: config.SourceStore},
		EvaluationPolicies:   policies,
		DefaultPolicies:      names,
		Applications:         apps,
		JobStatusPath:        filepath.Join(t.TempDir(), "jobs.db"),
	}
	orch, tracker := newTestOrchestrator(t, cfg, registryWith(evs...), &captureNotifier{})

	runID, err := orch.Run(ctx, RunOptions{WindowStart: start, WindowEnd: end})
	require.NoError(t, err)
	run, err := tracker.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, run.Status)
	assert.Equal(t, 10, run.Stats.Completed)

	assert.LessOrEqual(t, meter.appPeak, 2, "no more than the configured applications in flight")
	assert.Greater(t, meter.appPeak, 1, "applications actually overlap")
	assert.LessOrEqual(t, meter.perAppPeak, 3, "one application never exceeds its policy bound")
	assert.LessOrEqual(t, meter.totalPeak, 6, "total in-flight is capped by the product of the bounds")
	assert.Greater(t, meter.totalPeak, 3, "policy pools are per application, not process-wide")
}

func testutilStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		DSN:            "", // unused: the orchestrator gets the already-built store
		TelemetryPage:  2,  // small pages to exercise pagination
		MaxBatchItems:  100,
		RetryAttempts:  3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
		RetryJitter:    5 * time.Millisecond,
		ConnectTimeout: 30 * time.Second,
		MaxConns:       10,
	}
}
