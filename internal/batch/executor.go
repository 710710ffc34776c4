package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/dedupe"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/policy"
)

// Executor runs one application's policy set over a telemetry slice under the
// inner concurrency bound. Policies share the slice and the precomputed
// features read-only; each (policy, unit) pair is an independent task, so one
// policy's failure never blocks the others.
type Executor struct {
	registry    *policy.Registry
	gate        *dedupe.Gate
	concurrency int64
	logger      *slog.Logger
}

// NewExecutor creates an executor with the given inner concurrency limit.
func NewExecutor(registry *policy.Registry, gate *dedupe.Gate, policyConcurrency int, logger *slog.Logger) *Executor {
	return &Executor{
		registry:    registry,
		gate:        gate,
		concurrency: int64(policyConcurrency),
		logger:      logger,
	}
}

// ExecOutcome is one application's evaluation result set plus bookkeeping.
type ExecOutcome struct {
	Results []model.EvaluationResult
	// Skipped counts evaluation units whose result already existed.
	Skipped int
	// PolicyRuns counts units actually evaluated, successes and failures both.
	PolicyRuns int
	// Failures maps policy name to its evaluation errors; the rest of the
	// policy set proceeds regardless.
	Failures map[string][]error
}

// Run evaluates the resolved policy set for one app over records in the
// window. Unknown policy names are skipped with a warning. Already-persisted
// units are filtered out by the dedupe gate before any evaluation starts.
func (e *Executor) Run(ctx context.Context, app config.ResolvedApp, records []model.TelemetryRecord, windowStart, windowEnd time.Time) (*ExecOutcome, error) {
	type task struct {
		evaluator policy.Evaluator
		candidate dedupe.Candidate
	}

	var candidates []dedupe.Candidate
	evaluators := make(map[string]policy.Evaluator, len(app.PolicyNames))

	for _, name := range app.PolicyNames {
		pc, configured := app.Policies[name]
		if !configured || !e.registry.Known(name) {
			e.logger.Warn("skipping unknown evaluation policy", "app_id", app.AppID, "policy", name)
			continue
		}
		ev, err := e.registry.Build(name, pc)
		if err != nil {
			e.logger.Warn("skipping evaluation policy", "app_id", app.AppID, "policy", name, "error", err)
			continue
		}
		evaluators[name] = ev

		for _, unit := range dedupe.Units(ev.Aggregate(), records, windowStart, windowEnd) {
			candidates = append(candidates, dedupe.Candidate{
				PolicyName: name,
				Version:    ev.Version(),
				Unit:       unit,
				ResultID:   dedupe.ResultID(app.AppID, name, unit.TraceIdentity, ev.Version()),
			})
		}
	}

	pending, skipped, err := e.gate.Filter(ctx, candidates)
	if err != nil {
		return nil, err
	}

	outcome := &ExecOutcome{Skipped: skipped, Failures: make(map[string][]error)}
	if len(pending) == 0 {
		return outcome, nil
	}

	// Aggregate units all share the full slice, so its features are computed
	// once. Per-trace units carry subsets and get their own extraction; the
	// feature slice must stay index-aligned with the records evaluated.
	sharedFeats := policy.Extract(records)

	// Each invocation gets its own policy slot pool, so the inner bound is
	// per application and composes multiplicatively with the outer bound on
	// total in-flight evaluations.
	sem := semaphore.NewWeighted(e.concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range pending {
		t := task{evaluator: evaluators[c.PolicyName], candidate: c}
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("batch: acquire policy slot: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			feats := sharedFeats
			if !t.evaluator.Aggregate() {
				feats = policy.Extract(t.candidate.Unit.Records)
			}
			result, evalErr := e.evaluate(ctx, app, t.evaluator, t.candidate, feats, windowStart, windowEnd)

			mu.Lock()
			defer mu.Unlock()
			outcome.PolicyRuns++
			if evalErr != nil {
				outcome.Failures[t.candidate.PolicyName] = append(outcome.Failures[t.candidate.PolicyName], evalErr)
				return
			}
			outcome.Results = append(outcome.Results, result)
		}()
	}
	wg.Wait()

	return outcome, ctx.Err()
}

func (e *Executor) evaluate(ctx context.Context, app config.ResolvedApp, ev policy.Evaluator, c dedupe.Candidate, feats *policy.Features, windowStart, windowEnd time.Time) (model.EvaluationResult, error) {
	metrics, err := ev.Evaluate(ctx, app.AppID, c.Unit.Records, feats)
	if err != nil {
		return model.EvaluationResult{}, fmt.Errorf("batch: policy %s: %w", c.PolicyName, err)
	}
	now := time.Now().UTC()
	return model.EvaluationResult{
		ID:         c.ResultID,
		AppID:      app.AppID,
		Timestamp:  now,
		PolicyName: c.PolicyName,
		Metrics: model.NormalizeMetrics(metrics, app.AppID, c.PolicyName, ev.Version(),
			c.Unit.TraceIdentity, windowStart, windowEnd),
	}, nil
}
