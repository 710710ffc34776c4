// Package config loads and validates the Hyoka configuration file.
//
// Configuration is a single YAML document. String values may reference
// environment variables with ${VAR} syntax, which is expanded at load time so
// secrets (store DSNs, webhook URLs) stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/hyoka/internal/model"
)

// SourceType selects the telemetry source implementation.
type SourceType string

const (
	SourceStore SourceType = "store"
	SourceOTLP  SourceType = "otlp"
)

// StoreConfig holds result/telemetry store settings, including the retry
// policy the orchestrator applies around store calls.
type StoreConfig struct {
	DSN            string        `yaml:"dsn"`
	TelemetryPage  int           `yaml:"telemetry_page_size"`
	MaxBatchItems  int           `yaml:"max_batch_items"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	RetryJitter    time.Duration `yaml:"retry_jitter"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxConns       int           `yaml:"max_conns"`
}

// TelemetrySourceConfig selects and parameterizes the telemetry source.
type TelemetrySourceConfig struct {
	Type         SourceType `yaml:"type"`
	OTLPFilePath string     `yaml:"otlp_file_path"`
}

// PolicyConfig is the declared configuration for one named policy.
type PolicyConfig struct {
	Metrics    []string       `yaml:"metrics"`
	Parameters map[string]any `yaml:"parameters"`
}

// Version returns the policy's value-object version from its parameters,
// defaulting to "1.0". A version bump is the only recomputation trigger.
func (p PolicyConfig) Version() string {
	if p.Parameters != nil {
		if v, ok := p.Parameters["version"]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return "1.0"
}

// AppConfig is the per-application override block.
type AppConfig struct {
	EvaluationPolicies []string           `yaml:"evaluation_policies"`
	Thresholds         model.ThresholdMap `yaml:"thresholds"`
	BatchInterval      time.Duration      `yaml:"batch_interval"`
	Metadata           map[string]any     `yaml:"metadata"`
}

// AlertingConfig controls breach notification.
type AlertingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MinLevel   model.Level   `yaml:"min_level"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Config is the root configuration document.
type Config struct {
	DefaultBatchInterval time.Duration           `yaml:"default_batch_interval"`
	AppConcurrency       int                     `yaml:"app_concurrency"`
	PolicyConcurrency    int                     `yaml:"policy_concurrency"`
	MemoryWarnMB         int                     `yaml:"memory_warn_mb"`
	MemoryHardLimitMB    int                     `yaml:"memory_hard_limit_mb"`
	Store                StoreConfig             `yaml:"store"`
	TelemetrySource      TelemetrySourceConfig   `yaml:"telemetry_source"`
	EvaluationPolicies   map[string]PolicyConfig `yaml:"evaluation_policies"`
	DefaultPolicies      []string                `yaml:"default_evaluation_policies"`
	GlobalThresholds     model.ThresholdMap      `yaml:"global_thresholds"`
	Applications         map[string]AppConfig    `yaml:"app_config"`
	Alerting             AlertingConfig          `yaml:"alerting"`
	JobStatusPath        string                  `yaml:"job_status_path"`

	// OTEL settings.
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure"`
	ServiceName  string `yaml:"service_name"`

	LogLevel string `yaml:"log_level"`
}

// Load reads, expands and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DefaultBatchInterval: time.Hour,
		AppConcurrency:       10,
		PolicyConcurrency:    10,
		MemoryWarnMB:         1024,
		Store: StoreConfig{
			TelemetryPage:  100,
			MaxBatchItems:  100,
			RetryAttempts:  5,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  8 * time.Second,
			RetryJitter:    250 * time.Millisecond,
			ConnectTimeout: 60 * time.Second,
			MaxConns:       100,
		},
		TelemetrySource: TelemetrySourceConfig{Type: SourceStore},
		Alerting:        AlertingConfig{MinLevel: model.LevelWarning, Timeout: 10 * time.Second},
		JobStatusPath:   "hyoka-jobs.db",
		ServiceName:     "hyoka",
		LogLevel:        "info",
	}
}

// Validate checks the configuration for fatal errors. These abort the run
// before any work starts.
func (c *Config) Validate() error {
	switch c.TelemetrySource.Type {
	case SourceStore:
	case SourceOTLP:
		if c.TelemetrySource.OTLPFilePath == "" {
			return fmt.Errorf("config: telemetry_source.otlp_file_path is required when type=otlp")
		}
	default:
		return fmt.Errorf("config: unsupported telemetry source type %q", c.TelemetrySource.Type)
	}
	if c.AppConcurrency <= 0 {
		return fmt.Errorf("config: app_concurrency must be >= 1")
	}
	if c.PolicyConcurrency <= 0 {
		return fmt.Errorf("config: policy_concurrency must be >= 1")
	}
	if c.Store.MaxBatchItems <= 0 {
		return fmt.Errorf("config: store.max_batch_items must be >= 1")
	}
	if err := validateThresholds(c.GlobalThresholds); err != nil {
		return err
	}
	for appID, app := range c.Applications {
		if err := validateThresholds(app.Thresholds); err != nil {
			return fmt.Errorf("app %s: %w", appID, err)
		}
	}
	return nil
}

func validateThresholds(m model.ThresholdMap) error {
	for metric, rules := range m {
		for _, rule := range rules {
			if rule.Direction != model.DirectionMin && rule.Direction != model.DirectionMax {
				return fmt.Errorf("config: threshold for %s has unsupported direction %q", metric, rule.Direction)
			}
			if rule.Level != model.LevelWarning && rule.Level != model.LevelCritical {
				return fmt.Errorf("config: threshold for %s has unsupported level %q", metric, rule.Level)
			}
		}
	}
	return nil
}

// ResolvedApp is the effective configuration for one application after
// overlaying its overrides onto root defaults.
type ResolvedApp struct {
	AppID         string
	PolicyNames   []string
	Policies      map[string]PolicyConfig
	Thresholds    model.ThresholdMap
	BatchInterval time.Duration
	Metadata      map[string]any
}

// ResolveApp computes the effective app configuration. An app id absent from
// app_config proceeds on root defaults rather than failing. Policy names that
// reference no configured policy stay in PolicyNames (the executor skips them
// with a warning) but are excluded from Policies.
func (c *Config) ResolveApp(appID string) ResolvedApp {
	app, known := c.Applications[appID]

	names := app.EvaluationPolicies
	if len(names) == 0 {
		names = c.DefaultPolicies
	}
	if len(names) == 0 {
		names = make([]string, 0, len(c.EvaluationPolicies))
		for name := range c.EvaluationPolicies {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	policies := make(map[string]PolicyConfig, len(names))
	for _, name := range names {
		if pc, ok := c.EvaluationPolicies[name]; ok {
			policies[name] = pc
		}
	}

	merged := make(model.ThresholdMap, len(c.GlobalThresholds)+len(app.Thresholds))
	for metric, rules := range c.GlobalThresholds {
		merged[metric] = append([]model.ThresholdRule(nil), rules...)
	}
	for metric, rules := range app.Thresholds {
		merged[metric] = append([]model.ThresholdRule(nil), rules...)
	}

	interval := app.BatchInterval
	if interval <= 0 {
		interval = c.DefaultBatchInterval
	}

	var md map[string]any
	if known {
		md = app.Metadata
	}
	return ResolvedApp{
		AppID:         appID,
		PolicyNames:   names,
		Policies:      policies,
		Thresholds:    merged,
		BatchInterval: interval,
		Metadata:      md,
	}
}

// AppIDs returns the canonical, stably sorted application list used for
// deterministic shard selection.
func (c *Config) AppIDs() []string {
	ids := make([]string, 0, len(c.Applications))
	for id := range c.Applications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
