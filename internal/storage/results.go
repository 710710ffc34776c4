package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// existsChunkSize bounds the ids sent in one bulk existence round trip.
const existsChunkSize = 500

// PartialWriteError reports results that could not be persisted after the
// per-item fallback. Partition siblings that did persist remain valid facts.
type PartialWriteError struct {
	Failed map[string]error // result id -> final error
}

func (e *PartialWriteError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	return fmt.Sprintf("storage: %d result(s) failed to persist: %s", len(e.Failed), strings.Join(ids, ", "))
}

// BulkExists returns the subset of ids that already exist as evaluation
// results. One round trip per chunk, not one per identity.
func (s *Store) BulkExists(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += existsChunkSize {
		chunk := ids[start:min(start+existsChunkSize, len(ids))]
		err := WithRetry(ctx, s.cfg, s.logger, "bulk_exists", func() error {
			rows, err := s.pool.Query(ctx,
				`SELECT id FROM evaluation_results WHERE id = ANY($1)`, chunk)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return err
				}
				existing[id] = true
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("storage: bulk exists: %w", err)
		}
	}
	return existing, nil
}

const upsertResultSQL = `
	INSERT INTO evaluation_results (id, pk, app_id, ts, doc)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET pk = EXCLUDED.pk, ts = EXCLUDED.ts, doc = EXCLUDED.doc`

// UpsertResultsBatch persists one partition group of results as batched
// operations, chunked to the configured maximum items per batch. On batch
// failure the chunk falls back to per-item writes so a single bad document
// does not block its partition siblings. Returns *PartialWriteError when some
// items could not be persisted.
func (s *Store) UpsertResultsBatch(ctx context.Context, partitionKey string, results []model.EvaluationResult) error {
	if len(results) == 0 {
		return nil
	}
	failed := make(map[string]error)

	for start := 0; start < len(results); start += s.cfg.MaxBatchItems {
		chunk := results[start:min(start+s.cfg.MaxBatchItems, len(results))]

		docs := make([][]byte, len(chunk))
		for i, r := range chunk {
			doc, err := resultDoc(r)
			if err != nil {
				failed[r.ID] = err
				continue
			}
			docs[i] = doc
		}

		err := WithRetry(ctx, s.cfg, s.logger, "upsert_results_batch", func() error {
			batch := &pgx.Batch{}
			for i, r := range chunk {
				if docs[i] == nil {
					continue
				}
				batch.Queue(upsertResultSQL, r.ID, partitionKey, r.AppID, r.Timestamp.UTC(), docs[i])
			}
			return s.pool.SendBatch(ctx, batch).Close()
		})
		if err == nil {
			continue
		}

		s.logger.Warn("storage: batch upsert failed, falling back to per-item writes",
			"partition", partitionKey, "items", len(chunk), "error", err)
		for i, r := range chunk {
			if docs[i] == nil {
				continue
			}
			if itemErr := s.upsertResult(ctx, partitionKey, r, docs[i]); itemErr != nil {
				failed[r.ID] = itemErr
			}
		}
	}

	if len(failed) > 0 {
		return &PartialWriteError{Failed: failed}
	}
	return nil
}

func (s *Store) upsertResult(ctx context.Context, partitionKey string, r model.EvaluationResult, doc []byte) error {
	return WithRetry(ctx, s.cfg, s.logger, "upsert_result", func() error {
		_, err := s.pool.Exec(ctx, upsertResultSQL, r.ID, partitionKey, r.AppID, r.Timestamp.UTC(), doc)
		return err
	})
}

// QueryLatestResults returns the newest results for an app, ordered by
// timestamp descending.
func (s *Store) QueryLatestResults(ctx context.Context, appID string, limit int) ([]model.EvaluationResult, error) {
	var out []model.EvaluationResult
	err := WithRetry(ctx, s.cfg, s.logger, "query_latest", func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT doc FROM evaluation_results WHERE app_id = $1 ORDER BY ts DESC LIMIT $2`,
			appID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			var r model.EvaluationResult
			if err := json.Unmarshal(doc, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query latest results: %w", err)
	}
	return out, nil
}

// resultDoc marshals a result into its persisted document shape.
// Breaches are never part of the document.
func resultDoc(r model.EvaluationResult) ([]byte, error) {
	doc := map[string]any{
		"id":          r.ID,
		"type":        model.DocTypeEvaluationResult,
		"app_id":      r.AppID,
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
		"pk":          r.PartitionKey(),
		"policy_name": r.PolicyName,
		"metrics":     r.Metrics,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal result %s: %w", r.ID, err)
	}
	return b, nil
}
