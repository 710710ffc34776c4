package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// InsertTelemetry upserts telemetry documents. The evaluation core treats
// telemetry as read-only; this exists for the ingestion boundary and tests.
func (s *Store) InsertTelemetry(ctx context.Context, records []model.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return WithRetry(ctx, s.cfg, s.logger, "insert_telemetry", func() error {
		batch := &pgx.Batch{}
		for _, r := range records {
			doc, err := telemetryDoc(r)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO telemetry (id, pk, app_id, ts, doc)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET pk = EXCLUDED.pk, ts = EXCLUDED.ts, doc = EXCLUDED.doc`,
				r.ID, model.PartitionKey(r.AppID, r.Timestamp), r.AppID, r.Timestamp.UTC(), doc)
		}
		return s.pool.SendBatch(ctx, batch).Close()
	})
}

// QueryTelemetryPage reads one page of telemetry for [start, end), keyset-
// paginated on (ts, id). Pass zero values for afterTS/afterID on the first
// page; the last record of each page seeds the next call.
func (s *Store) QueryTelemetryPage(ctx context.Context, appID string, start, end time.Time, afterTS time.Time, afterID string, limit int) ([]model.TelemetryRecord, error) {
	var out []model.TelemetryRecord
	err := WithRetry(ctx, s.cfg, s.logger, "query_telemetry", func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT doc FROM telemetry
			WHERE app_id = $1 AND ts >= $2 AND ts < $3 AND (ts, id) > ($4, $5)
			ORDER BY ts, id
			LIMIT $6`,
			appID, start.UTC(), end.UTC(), afterTS.UTC(), afterID, limit)
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
			var r model.TelemetryRecord
			if err := json.Unmarshal(doc, &r); err != nil {
				// A malformed document is skipped and logged, never fatal
				// to the slice.
				s.logger.Warn("storage: skipping malformed telemetry document", "error", err)
				continue
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query telemetry page: %w", err)
	}
	return out, nil
}

func telemetryDoc(r model.TelemetryRecord) ([]byte, error) {
	type doc struct {
		model.TelemetryRecord
		Type model.DocType `json:"type"`
		PK   string        `json:"pk"`
	}
	b, err := json.Marshal(doc{
		TelemetryRecord: r,
		Type:            model.DocTypeTelemetry,
		PK:              model.PartitionKey(r.AppID, r.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: marshal telemetry %s: %w", r.ID, err)
	}
	return b, nil
}
