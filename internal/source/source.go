// Package source abstracts where telemetry comes from. The orchestrator sees
// a lazy, paginated sequence of records for (app, window); whether pages come
// from the document store or a static OTLP trace payload is configuration,
// not code.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// PageFunc receives one non-empty page of telemetry. Returning an error stops
// the fetch.
type PageFunc func(records []model.TelemetryRecord) error

// Source yields telemetry for an application and window, one page at a time.
type Source interface {
	Fetch(ctx context.Context, appID string, start, end time.Time, page PageFunc) error
}

// New selects the source implementation from configuration alone.
func New(cfg *config.Config, store *storage.Store, logger *slog.Logger) (Source, error) {
	switch cfg.TelemetrySource.Type {
	case config.SourceStore:
		return &StoreSource{store: store, pageSize: cfg.Store.TelemetryPage}, nil
	case config.SourceOTLP:
		return &OTLPSource{path: cfg.TelemetrySource.OTLPFilePath, chunkSize: cfg.Store.TelemetryPage, logger: logger}, nil
	default:
		return nil, fmt.Errorf("source: unsupported telemetry source type %q", cfg.TelemetrySource.Type)
	}
}

// StoreSource reads telemetry from the document store with keyset pagination.
type StoreSource struct {
	store    *storage.Store
	pageSize int
}

// Fetch streams pages of records in [start, end) ordered by (ts, id).
func (s *StoreSource) Fetch(ctx context.Context, appID string, start, end time.Time, page PageFunc) error {
	var afterTS time.Time
	var afterID string
	for {
		records, err := s.store.QueryTelemetryPage(ctx, appID, start, end, afterTS, afterID, s.pageSize)
		if err != nil {
			return fmt.Errorf("source: fetch telemetry: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := page(records); err != nil {
			return err
		}
		last := records[len(records)-1]
		afterTS, afterID = last.Timestamp, last.ID
		if len(records) < s.pageSize {
			return nil
		}
	}
}
