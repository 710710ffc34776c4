package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/hyoka/internal/batch"
	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/dedupe"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/notify"
	"github.com/ashita-ai/hyoka/internal/policy"
	"github.com/ashita-ai/hyoka/internal/source"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

func runCmd() *cobra.Command {
	var (
		appID             string
		windowStartStr    string
		windowEndStr      string
		window            time.Duration
		windowHours       int
		groupSize         int
		groupIndex        int
		overridesPath     string
		appConcurrency    int
		policyConcurrency int
		logLevel          string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one batch evaluation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// Flags beat the config file.
			if appConcurrency > 0 {
				cfg.AppConcurrency = appConcurrency
			}
			if policyConcurrency > 0 {
				cfg.PolicyConcurrency = policyConcurrency
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
				logger = newLogger(logLevel)
			}
			if appID != "" && groupSize > 0 {
				logger.Warn("--group-size is ignored when --app-id is set")
				groupSize, groupIndex = 0, 0
			}

			start, end, err := resolveWindow(windowStartStr, windowEndStr, windowLength(window, windowHours))
			if err != nil {
				return err
			}
			overrides, err := loadOverrides(overridesPath)
			if err != nil {
				return err
			}

			return executeRun(cmd.Context(), cfg, logger, batch.RunOptions{
				AppID:             appID,
				WindowStart:       start,
				WindowEnd:         end,
				GroupSize:         groupSize,
				GroupIndex:        groupIndex,
				DynamicThresholds: overrides,
			})
		},
	}

	cmd.Flags().StringVar(&appID, "app-id", "", "run a single application instead of a shard")
	cmd.Flags().StringVar(&windowStartStr, "window-start", "", "window start (RFC3339); defaults to now minus --window")
	cmd.Flags().StringVar(&windowEndStr, "window-end", "", "window end (RFC3339, exclusive); defaults to now")
	cmd.Flags().DurationVar(&window, "window", time.Hour, "window length when --window-start is not given")
	cmd.Flags().IntVar(&windowHours, "window-hours", 0, "window length in whole hours; takes precedence over --window")
	cmd.Flags().IntVar(&groupSize, "group-size", 0, "apps per shard; 0 disables sharding")
	cmd.Flags().IntVar(&groupIndex, "group-index", 0, "shard index to run")
	cmd.Flags().StringVar(&overridesPath, "thresholds", "", "YAML file of per-metric threshold overrides for this run")
	cmd.Flags().IntVar(&appConcurrency, "app-concurrency", 0, "override configured application concurrency")
	cmd.Flags().IntVar(&policyConcurrency, "policy-concurrency", 0, "override configured policy concurrency")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override configured log level")
	return cmd
}

func executeRun(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts batch.RunOptions) error {
	logger.Info("hyoka starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return err
	}

	store, err := stores.Acquire(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	src, err := source.New(cfg, store, logger)
	if err != nil {
		return err
	}

	tracker, err := jobs.Open(cfg.JobStatusPath)
	if err != nil {
		return err
	}
	defer tracker.Close()

	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger, MinLevel: cfg.Alerting.MinLevel}
	if cfg.Alerting.Enabled && cfg.Alerting.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.MinLevel, cfg.Alerting.Timeout, logger)
	}

	executor := batch.NewExecutor(policy.NewRegistry(), dedupe.NewGate(store), cfg.PolicyConcurrency, logger)
	orch := batch.NewOrchestrator(cfg, store, src, executor, tracker, notifier, metrics, logger)

	runID, err := orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	run, err := tracker.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := printJSON(run); err != nil {
		return err
	}
	if run.Status == model.StatusFailed {
		return fmt.Errorf("run %s failed", runID)
	}
	return nil
}

// windowLength picks the window span, preferring the whole-hours flag when
// set.
func windowLength(window time.Duration, hours int) time.Duration {
	if hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	return window
}

// resolveWindow computes the [start, end) evaluation window from the flag
// combination. End defaults to now; start defaults to end minus the window
// length.
func resolveWindow(startStr, endStr string, window time.Duration) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if endStr != "" {
		parsed, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --window-end: %w", err)
		}
		end = parsed.UTC()
	}

	start := end.Add(-window)
	if startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --window-start: %w", err)
		}
		start = parsed.UTC()
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("window start %s is not before end %s", start, end)
	}
	return start, end, nil
}

// loadOverrides reads a per-run threshold override file. Overrides replace
// the configured rules for the metrics they name, for this run only.
func loadOverrides(path string) (model.ThresholdMap, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read --thresholds: %w", err)
	}
	var overrides model.ThresholdMap
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse --thresholds: %w", err)
	}
	return overrides, nil
}
