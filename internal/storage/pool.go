package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/hyoka/internal/config"
)

// Registry is a process-wide pool of stores keyed by configuration
// fingerprint, so repeated orchestrator runs reuse connections instead of
// paying per-run setup cost. Stores are created lazily on first use,
// long-lived for the process, and never torn down mid-run. Safe for
// concurrent use by in-flight application and policy tasks.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Acquire returns the store for cfg, creating it on first use.
func (r *Registry) Acquire(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	key := Fingerprint(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[key]; ok {
		return s, nil
	}
	s, err := New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	r.stores[key] = s
	return s, nil
}

// CloseAll shuts down every pooled store. Only for process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.stores {
		s.Close()
		delete(r.stores, key)
	}
}

// Fingerprint derives the registry key from the connection-relevant parts of
// the store configuration.
func Fingerprint(cfg config.StoreConfig) string {
	material := fmt.Sprintf("%s|%d|%s", cfg.DSN, cfg.MaxConns, cfg.ConnectTimeout)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
