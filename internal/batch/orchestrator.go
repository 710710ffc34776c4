// Package batch drives evaluation runs: it fans a batch of applications out
// under the outer concurrency bound, runs each app's policy set under the
// inner bound, persists versioned metrics partition by partition and records
// run lifecycle for operator visibility. One app's failure never aborts its
// siblings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/notify"
	"github.com/ashita-ai/hyoka/internal/source"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
	"github.com/ashita-ai/hyoka/internal/threshold"
)

// ErrResourceLimit marks an item aborted by the memory hard limit.
var ErrResourceLimit = errors.New("batch: resource-limit-exceeded")

// RunOptions parameterize one orchestrator invocation.
type RunOptions struct {
	// AppID, when set, runs a single application regardless of sharding.
	AppID string
	// WindowStart and WindowEnd bound the telemetry window, [start, end).
	WindowStart time.Time
	WindowEnd   time.Time
	// GroupSize and GroupIndex select a shard of the canonical app list.
	// GroupSize <= 0 disables sharding.
	GroupSize  int
	GroupIndex int
	// DynamicThresholds replace configured rules per metric for this run only.
	DynamicThresholds model.ThresholdMap
}

// Orchestrator coordinates a batch run end to end.
type Orchestrator struct {
	cfg      *config.Config
	store    *storage.Store
	src      source.Source
	executor *Executor
	tracker  *jobs.Tracker
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator from its collaborators.
func NewOrchestrator(cfg *config.Config, store *storage.Store, src source.Source, executor *Executor, tracker *jobs.Tracker, notifier notify.Notifier, metrics *telemetry.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		src:      src,
		executor: executor,
		tracker:  tracker,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// NewRunID builds a sortable, collision-resistant run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}

// Run executes one batch over the selected applications. The run itself only
// errors on setup failures (empty shard is not one); per-app outcomes land in
// the job tracker.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (string, error) {
	appIDs, err := o.selectApps(opts)
	if err != nil {
		return "", err
	}

	runID := NewRunID(time.Now())
	logger := o.logger.With("run_id", runID)
	logger.Info("starting batch run",
		"apps", len(appIDs),
		"window_start", opts.WindowStart,
		"window_end", opts.WindowEnd,
		"group_size", opts.GroupSize,
		"group_index", opts.GroupIndex,
	)

	if err := o.tracker.StartRun(ctx, runID, appIDs, opts.WindowStart, opts.WindowEnd, opts.GroupSize, opts.GroupIndex); err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.AppConcurrency)
	for _, appID := range appIDs {
		appID := appID
		g.Go(func() error {
			o.runItem(gctx, runID, appID, opts, logger.With("app_id", appID))
			return nil
		})
	}
	g.Wait() //nolint:errcheck // item errors are recorded per item, never propagated

	if err := o.tracker.FinalizeRun(ctx, runID); err != nil {
		return runID, err
	}
	run, err := o.tracker.GetRun(ctx, runID)
	if err != nil {
		return runID, err
	}
	logger.Info("batch run finished",
		"status", run.Status,
		"completed", run.Stats.Completed,
		"failed", run.Stats.Failed,
		"policy_runs", run.Stats.TotalPolicies,
		"breaches", run.Stats.TotalBreaches,
	)
	return runID, nil
}

func (o *Orchestrator) selectApps(opts RunOptions) ([]string, error) {
	if opts.AppID != "" {
		return []string{opts.AppID}, nil
	}
	return SelectGroup(o.cfg.AppIDs(), opts.GroupSize, opts.GroupIndex)
}

// runItem processes one application. All outcomes, success and failure both,
// are recorded on the item; nothing escapes to the caller.
func (o *Orchestrator) runItem(ctx context.Context, runID, appID string, opts RunOptions, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			o.failItem(ctx, runID, appID, fmt.Errorf("batch: panic: %v", r), string(debug.Stack()), logger)
		}
	}()

	if err := o.tracker.MarkItemRunning(ctx, runID, appID); err != nil {
		logger.Warn("failed to mark item running", "error", err)
	}

	resolved := o.cfg.ResolveApp(appID)
	policyRuns, breachCount, err := o.evaluateApp(ctx, runID, appID, resolved, opts, logger)
	if err != nil {
		o.failItem(ctx, runID, appID, err, causeChain(err), logger)
		return
	}

	nextRun := time.Now().UTC().Add(resolved.BatchInterval)
	if err := o.tracker.MarkItemCompleted(ctx, runID, appID, policyRuns, breachCount, nextRun); err != nil {
		logger.Warn("failed to mark item completed", "error", err)
	}
	o.metrics.ItemsDone.Add(ctx, 1)
	logger.Info("item completed", "policy_runs", policyRuns, "breaches", breachCount, "next_batch_run_utc", nextRun)
}

func (o *Orchestrator) evaluateApp(ctx context.Context, runID, appID string, resolved config.ResolvedApp, opts RunOptions, logger *slog.Logger) (policyRuns, breachCount int, err error) {
	records, err := o.fetchWindow(ctx, appID, opts, logger)
	if err != nil {
		return 0, 0, err
	}
	logger.Info("telemetry fetched", "records", len(records))

	if err := o.checkMemory(logger); err != nil {
		return 0, 0, err
	}
	outcome, err := o.executor.Run(ctx, resolved, records, opts.WindowStart, opts.WindowEnd)
	if err != nil {
		return 0, 0, err
	}
	attrs := metric.WithAttributes(attribute.String("app_id", appID))
	o.metrics.PolicyRuns.Add(ctx, int64(outcome.PolicyRuns), attrs)
	o.metrics.UnitsSkipped.Add(ctx, int64(outcome.Skipped), attrs)
	for name, errs := range outcome.Failures {
		for _, evalErr := range errs {
			logger.Warn("policy evaluation failed", "policy", name, "error", evalErr)
			o.itemLog(ctx, runID, appID, "warning", fmt.Sprintf("policy %s: %v", name, evalErr))
		}
	}
	if outcome.Skipped > 0 {
		o.itemLog(ctx, runID, appID, "info", fmt.Sprintf("%d unit(s) already evaluated, skipped", outcome.Skipped))
	}

	if err := o.persistResults(ctx, runID, appID, outcome.Results); err != nil {
		return outcome.PolicyRuns, 0, err
	}

	breaches := o.evaluateThresholds(outcome.Results, resolved, opts)
	o.metrics.Breaches.Add(ctx, int64(len(breaches)), attrs)
	if len(breaches) > 0 && o.notifier != nil {
		window := notify.Window{Start: opts.WindowStart, End: opts.WindowEnd}
		if err := o.notifier.Notify(ctx, appID, window, breaches); err != nil {
			// Notification delivery never fails the item.
			logger.Warn("breach notification failed", "error", err)
			o.itemLog(ctx, runID, appID, "warning", fmt.Sprintf("notification failed: %v", err))
		}
	}

	return outcome.PolicyRuns, len(breaches), nil
}

// fetchWindow accumulates the app's telemetry pages, guarding memory as it
// goes.
func (o *Orchestrator) fetchWindow(ctx context.Context, appID string, opts RunOptions, logger *slog.Logger) ([]model.TelemetryRecord, error) {
	var records []model.TelemetryRecord
	err := o.src.Fetch(ctx, appID, opts.WindowStart, opts.WindowEnd, func(page []model.TelemetryRecord) error {
		records = append(records, page...)
		return o.checkMemory(logger)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// checkMemory enforces the soft and hard memory watermarks. The soft limit
// warns; the hard limit aborts the current item with ErrResourceLimit.
func (o *Orchestrator) checkMemory(logger *slog.Logger) error {
	if o.cfg.MemoryWarnMB <= 0 && o.cfg.MemoryHardLimitMB <= 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB := int(ms.HeapAlloc / (1 << 20))

	if o.cfg.MemoryHardLimitMB > 0 && allocMB >= o.cfg.MemoryHardLimitMB {
		return fmt.Errorf("%w: heap %d MB over hard limit %d MB", ErrResourceLimit, allocMB, o.cfg.MemoryHardLimitMB)
	}
	if o.cfg.MemoryWarnMB > 0 && allocMB >= o.cfg.MemoryWarnMB {
		logger.Warn("memory high watermark", "heap_mb", allocMB, "warn_mb", o.cfg.MemoryWarnMB)
	}
	return nil
}

// persistResults groups results by partition key and writes each group as its
// own batched upsert. A partial write surfaces as an item failure while the
// persisted siblings stay valid.
func (o *Orchestrator) persistResults(ctx context.Context, runID, appID string, results []model.EvaluationResult) error {
	byPartition := make(map[string][]model.EvaluationResult)
	for _, r := range results {
		pk := r.PartitionKey()
		byPartition[pk] = append(byPartition[pk], r)
	}
	partitions := make([]string, 0, len(byPartition))
	for pk := range byPartition {
		partitions = append(partitions, pk)
	}
	sort.Strings(partitions)

	var failures []string
	for _, pk := range partitions {
		if err := o.store.UpsertResultsBatch(ctx, pk, byPartition[pk]); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", pk, err))
			o.itemLog(ctx, runID, appID, "error", fmt.Sprintf("partition %s write failed: %v", pk, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("batch: persist results: %s", strings.Join(failures, "; "))
	}
	return nil
}

// evaluateThresholds runs the in-memory breach check over the freshly
// computed metrics. Persisted history is not re-read; only this run's values
// can notify.
func (o *Orchestrator) evaluateThresholds(results []model.EvaluationResult, resolved config.ResolvedApp, opts RunOptions) []model.Breach {
	var metrics []model.MetricValue
	for _, r := range results {
		metrics = append(metrics, r.Metrics...)
	}
	return threshold.Evaluate(metrics, resolved.Thresholds, opts.DynamicThresholds)
}

func (o *Orchestrator) failItem(ctx context.Context, runID, appID string, itemErr error, traceback string, logger *slog.Logger) {
	logger.Error("item failed", "error", itemErr)
	o.metrics.ItemsFailed.Add(ctx, 1)
	o.itemLog(ctx, runID, appID, "error", itemErr.Error())
	if err := o.tracker.MarkItemFailed(ctx, runID, appID, itemErr.Error(), traceback); err != nil {
		logger.Warn("failed to mark item failed", "error", err)
	}
}

// causeChain renders an error's unwrap chain one cause per line, the item's
// stored failure trace.
func causeChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) itemLog(ctx context.Context, runID, appID, level, message string) {
	if err := o.tracker.AppendItemLog(ctx, runID, appID, level, message); err != nil {
		o.logger.Warn("failed to append item log", "run_id", runID, "app_id", appID, "error", err)
	}
}
