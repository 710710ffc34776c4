// Package notify delivers threshold breach notifications. Breaches are
// ephemeral: they exist only long enough to be delivered, never persisted.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Window is the evaluation window a notification refers to.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Notifier consumes breach records for one application above a severity floor.
type Notifier interface {
	Notify(ctx context.Context, appID string, window Window, breaches []model.Breach) error
}

// FilterMinLevel keeps breaches at or above the severity floor.
func FilterMinLevel(breaches []model.Breach, minLevel model.Level) []model.Breach {
	floor := minLevel.Rank()
	out := make([]model.Breach, 0, len(breaches))
	for _, b := range breaches {
		if b.Level.Rank() >= floor {
			out = append(out, b)
		}
	}
	return out
}

// LogNotifier writes breach notifications to the structured log. The default
// when no delivery channel is configured.
type LogNotifier struct {
	Logger   *slog.Logger
	MinLevel model.Level
}

// Notify logs each breach above the severity floor.
func (n *LogNotifier) Notify(_ context.Context, appID string, window Window, breaches []model.Breach) error {
	for _, b := range FilterMinLevel(breaches, n.MinLevel) {
		n.Logger.Warn("threshold breach",
			"app_id", appID,
			"metric", b.MetricName,
			"level", b.Level,
			"actual", b.ActualValue,
			"threshold", b.ThresholdValue,
			"direction", b.Direction,
			"window_start", window.Start,
			"window_end", window.End,
		)
	}
	return nil
}
