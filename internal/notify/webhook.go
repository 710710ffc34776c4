package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// breakerState is the circuit breaker's current mode.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a small circuit breaker guarding a downstream delivery channel.
// After failureThreshold consecutive failures the circuit opens and calls
// fast-fail until recoveryTimeout elapses, at which point a single probe is
// allowed through.
type Breaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{failureThreshold: failureThreshold, recoveryTimeout: recoveryTimeout}
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == breakerOpen {
		if time.Since(b.lastFailure) > b.recoveryTimeout {
			b.state = breakerHalfOpen
		} else {
			b.mu.Unlock()
			return fmt.Errorf("notify: circuit open, fast-failing")
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		// Any successful call resets accumulated failures.
		b.state = breakerClosed
		b.failures = 0
		return nil
	}
	if b.state == breakerHalfOpen {
		// Probe failed: reopen immediately.
		b.failures = b.failureThreshold
	} else {
		b.failures++
	}
	b.lastFailure = time.Now()
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
	}
	return err
}

// WebhookNotifier posts breach notifications as JSON to a configured URL
// (e.g. a chat webhook), guarded by a circuit breaker.
type WebhookNotifier struct {
	URL      string
	MinLevel model.Level
	Client   *http.Client
	Logger   *slog.Logger

	breaker *Breaker
}

// NewWebhookNotifier creates a webhook notifier with a default breaker.
func NewWebhookNotifier(url string, minLevel model.Level, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:      url,
		MinLevel: minLevel,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logger,
		breaker:  NewBreaker(3, time.Minute),
	}
}

type webhookPayload struct {
	AppID    string         `json:"app_id"`
	Window   Window         `json:"window"`
	Breaches []model.Breach `json:"breaches"`
}

// Notify delivers the filtered breaches in one request. No breaches above the
// floor means no request.
func (n *WebhookNotifier) Notify(ctx context.Context, appID string, window Window, breaches []model.Breach) error {
	selected := FilterMinLevel(breaches, n.MinLevel)
	if len(selected) == 0 {
		return nil
	}
	body, err := json.Marshal(webhookPayload{AppID: appID, Window: window, Breaches: selected})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	return n.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("notify: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.Client.Do(req)
		if err != nil {
			return fmt.Errorf("notify: post webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("notify: webhook returned %s", resp.Status)
		}
		return nil
	})
}
