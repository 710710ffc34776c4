package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("jobs: not found")

// CurrentRun returns the most recently started run, or ErrNotFound when no
// run has ever been recorded.
func (t *Tracker) CurrentRun(ctx context.Context) (*model.BatchRun, error) {
	var runID string
	err := t.db.QueryRowContext(ctx,
		`SELECT run_id FROM runs ORDER BY started_at DESC, run_id DESC LIMIT 1`,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: current run: %w", err)
	}
	return t.GetRun(ctx, runID)
}

// ListHistory returns runs in reverse start order, one page at a time.
// Pages are 1-based.
func (t *Tracker) ListHistory(ctx context.Context, page, pageSize int) ([]model.BatchRun, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ? OFFSET ?`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("jobs: list history: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobs: scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: list history: %w", err)
	}

	runs := make([]model.BatchRun, 0, len(runIDs))
	for _, id := range runIDs {
		run, err := t.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// GetRun loads a run with its items and derived stats.
func (t *Tracker) GetRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	run := &model.BatchRun{RunID: runID}
	var startedAt string
	var endedAt sql.NullString
	var status string
	err := t.db.QueryRowContext(ctx, `
		SELECT status, started_at, ended_at, window_start, window_end, group_size, group_index
		FROM runs WHERE run_id = ?`, runID,
	).Scan(&status, &startedAt, &endedAt, &timeScanner{&run.WindowStart}, &timeScanner{&run.WindowEnd}, &run.GroupSize, &run.GroupIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get run %s: %w", runID, err)
	}
	run.Status = model.RunStatus(status)
	run.StartedAt = parseISO(startedAt)
	if endedAt.Valid {
		ts := parseISO(endedAt.String)
		run.EndedAt = &ts
	}

	items, err := t.loadItems(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Items = items
	run.Stats = deriveStats(items)
	return run, nil
}

// ItemLogs returns an item's structured log trail in append order.
func (t *Tracker) ItemLogs(ctx context.Context, runID, itemID string) ([]model.ItemLog, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT ts, level, message FROM logs
		WHERE run_id = ? AND item_id = ? ORDER BY id ASC`,
		runID, itemID)
	if err != nil {
		return nil, fmt.Errorf("jobs: item logs: %w", err)
	}
	defer rows.Close()

	var logs []model.ItemLog
	for rows.Next() {
		var ts, level, message string
		if err := rows.Scan(&ts, &level, &message); err != nil {
			return nil, fmt.Errorf("jobs: scan log: %w", err)
		}
		logs = append(logs, model.ItemLog{Timestamp: parseISO(ts), Level: level, Message: message})
	}
	return logs, rows.Err()
}

func (t *Tracker) loadItems(ctx context.Context, runID string) ([]model.BatchItem, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT item_id, status, started_at, ended_at, policy_runs, breach_count, next_batch_run_utc, error, traceback
		FROM items WHERE run_id = ? ORDER BY item_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("jobs: load items: %w", err)
	}
	defer rows.Close()

	var items []model.BatchItem
	for rows.Next() {
		var item model.BatchItem
		var status string
		var startedAt, endedAt, nextRun, errMsg, traceback sql.NullString
		if err := rows.Scan(&item.ItemID, &status, &startedAt, &endedAt,
			&item.PolicyRuns, &item.BreachCount, &nextRun, &errMsg, &traceback); err != nil {
			return nil, fmt.Errorf("jobs: scan item: %w", err)
		}
		item.Status = model.RunStatus(status)
		if startedAt.Valid {
			ts := parseISO(startedAt.String)
			item.StartedAt = &ts
		}
		if endedAt.Valid {
			ts := parseISO(endedAt.String)
			item.EndedAt = &ts
		}
		if nextRun.Valid {
			ts := parseISO(nextRun.String)
			item.NextBatchRunUTC = &ts
		}
		item.Error = errMsg.String
		item.Traceback = traceback.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// deriveStats computes run aggregates from item states. Stats are always
// derived at read time so concurrent readers see a consistent snapshot of
// whatever item states exist right now.
func deriveStats(items []model.BatchItem) model.RunStats {
	stats := model.RunStats{TotalItems: len(items)}
	for _, item := range items {
		switch item.Status {
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusRunning:
			stats.Running++
		default:
			stats.Pending++
		}
		stats.TotalPolicies += item.PolicyRuns
		stats.TotalBreaches += item.BreachCount
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRatePct = float64(stats.Completed) / float64(finished) * 100
	}
	return stats
}

// timeScanner scans an ISO timestamp column into a time.Time.
type timeScanner struct{ dst *time.Time }

func (s *timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s.dst = parseISO(v)
	case time.Time:
		*s.dst = v.UTC()
	case nil:
	default:
		return fmt.Errorf("jobs: cannot scan %T as time", src)
	}
	return nil
}

func parseISO(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
