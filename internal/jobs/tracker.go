// Package jobs tracks batch run and item lifecycle state for operator
// visibility. State lives in a local SQLite database (WAL mode) so an
// in-progress run tolerates concurrent dashboard readers: items only move
// forward (pending -> running -> completed|failed) and a terminal run never
// becomes non-terminal again. Run stats are derived from item states at read
// time, never separately maintained.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Tracker records run and item lifecycle in SQLite.
type Tracker struct {
	db *sql.DB
}

// Open creates (or opens) the job status database at path.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open %s: %w", path, err)
	}
	t := &Tracker{db: db}
	if err := t.init(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=10000`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id       TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			window_start TEXT NOT NULL,
			window_end   TEXT NOT NULL,
			group_size   INTEGER NOT NULL,
			group_index  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			run_id             TEXT NOT NULL,
			item_id            TEXT NOT NULL,
			status             TEXT NOT NULL,
			started_at         TEXT,
			ended_at           TEXT,
			policy_runs        INTEGER NOT NULL DEFAULT 0,
			breach_count       INTEGER NOT NULL DEFAULT 0,
			next_batch_run_utc TEXT,
			error              TEXT,
			traceback          TEXT,
			PRIMARY KEY (run_id, item_id),
			FOREIGN KEY (run_id) REFERENCES runs (run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id  TEXT NOT NULL,
			item_id TEXT NOT NULL,
			ts      TEXT NOT NULL,
			level   TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("jobs: init schema: %w", err)
		}
	}
	return nil
}

// Close shuts down the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// StartRun records a new run with one pending item per application.
func (t *Tracker) StartRun(ctx context.Context, runID string, itemIDs []string, windowStart, windowEnd time.Time, groupSize, groupIndex int) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobs: start run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (run_id, status, started_at, window_start, window_end, group_size, group_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(model.StatusRunning), nowISO(),
		windowStart.UTC().Format(time.RFC3339Nano), windowEnd.UTC().Format(time.RFC3339Nano),
		groupSize, groupIndex,
	); err != nil {
		return fmt.Errorf("jobs: insert run: %w", err)
	}
	for _, itemID := range itemIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO items (run_id, item_id, status) VALUES (?, ?, ?)`,
			runID, itemID, string(model.StatusPending),
		); err != nil {
			return fmt.Errorf("jobs: insert item %s: %w", itemID, err)
		}
	}
	return tx.Commit()
}

// MarkItemRunning moves a pending item to running. A no-op for items already
// past pending, preserving forward-only transitions.
func (t *Tracker) MarkItemRunning(ctx context.Context, runID, itemID string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE items SET status = ?, started_at = ?
		WHERE run_id = ? AND item_id = ? AND status = ?`,
		string(model.StatusRunning), nowISO(), runID, itemID, string(model.StatusPending))
	if err != nil {
		return fmt.Errorf("jobs: mark item running: %w", err)
	}
	return nil
}

// MarkItemCompleted finishes an item with its accumulated counters.
func (t *Tracker) MarkItemCompleted(ctx context.Context, runID, itemID string, policyRuns, breachCount int, nextBatchRun time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE items SET status = ?, ended_at = ?, policy_runs = ?, breach_count = ?, next_batch_run_utc = ?
		WHERE run_id = ? AND item_id = ? AND status IN (?, ?)`,
		string(model.StatusCompleted), nowISO(), policyRuns, breachCount,
		nextBatchRun.UTC().Format(time.RFC3339Nano),
		runID, itemID, string(model.StatusPending), string(model.StatusRunning))
	if err != nil {
		return fmt.Errorf("jobs: mark item completed: %w", err)
	}
	return nil
}

// MarkItemFailed finishes an item with its error message and captured trace.
func (t *Tracker) MarkItemFailed(ctx context.Context, runID, itemID, errMsg, traceback string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE items SET status = ?, ended_at = ?, error = ?, traceback = ?
		WHERE run_id = ? AND item_id = ? AND status IN (?, ?)`,
		string(model.StatusFailed), nowISO(), errMsg, traceback,
		runID, itemID, string(model.StatusPending), string(model.StatusRunning))
	if err != nil {
		return fmt.Errorf("jobs: mark item failed: %w", err)
	}
	return nil
}

// AppendItemLog attaches one structured log line to an item.
func (t *Tracker) AppendItemLog(ctx context.Context, runID, itemID, level, message string) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO logs (run_id, item_id, ts, level, message) VALUES (?, ?, ?, ?, ?)`,
		runID, itemID, nowISO(), level, message)
	if err != nil {
		return fmt.Errorf("jobs: append item log: %w", err)
	}
	return nil
}

// FinalizeRun moves the run to its terminal state: failed when every item
// failed, completed otherwise. A run completes even with individual failed
// items; the per-item detail stays available for drill-down. Finalizing an
// already-terminal run is a no-op.
func (t *Tracker) FinalizeRun(ctx context.Context, runID string) error {
	var total, failed int
	if err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM items WHERE run_id = ?`,
		string(model.StatusFailed), runID,
	).Scan(&total, &failed); err != nil {
		return fmt.Errorf("jobs: finalize run: %w", err)
	}

	final := model.StatusCompleted
	if total > 0 && failed == total {
		final = model.StatusFailed
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?
		WHERE run_id = ? AND status NOT IN (?, ?)`,
		string(final), nowISO(), runID,
		string(model.StatusCompleted), string(model.StatusFailed))
	if err != nil {
		return fmt.Errorf("jobs: finalize run: %w", err)
	}
	return nil
}
