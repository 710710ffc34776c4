// Package storage provides the PostgreSQL result store for Hyoka.
//
// Telemetry and evaluation-result documents live in two tables keyed by a
// synthetic partition tag "<app_id>:<date>". The store offers the four
// operations the evaluation core consumes: bulk existence lookup, partition-
// grouped batched upserts with per-item fallback, latest-results queries and
// windowed telemetry reads. Every call is wrapped in the configured retry
// policy for classified-transient failures.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/hyoka/internal/config"
)

// Store wraps a pgxpool.Pool plus the retry policy applied around calls.
type Store struct {
	pool   *pgxpool.Pool
	cfg    config.StoreConfig
	logger *slog.Logger
}

// New creates a Store with a connection pool and verifies connectivity.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &Store{pool: pool, cfg: cfg, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
