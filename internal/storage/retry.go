package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hyoka/internal/config"
)

// IsTransient returns true for failures worth retrying: serialization and
// deadlock conflicts, connection-class errors, resource exhaustion and
// timeouts. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03", // cannot_connect_now
			"08000", // connection_exception
			"08003", // connection_does_not_exist
			"08006": // connection_failure
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return false
}

// WithRetry executes fn under the store's retry policy: exponential backoff
// from the base delay, capped at the max delay, with uniform jitter per
// attempt, retried only for transient failures up to the attempt ceiling.
func WithRetry(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, op string, fn func() error) error {
	attempts := max(1, cfg.RetryAttempts)
	delay := cfg.RetryBaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		sleep := delay
		if cfg.RetryJitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(cfg.RetryJitter))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		logger.Warn("storage: transient failure, retrying",
			"op", op, "attempt", attempt, "attempts", attempts, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}
