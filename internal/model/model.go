// Package model defines the core domain types for Hyoka.
//
// Types correspond directly to the persisted document shapes (telemetry and
// evaluation-result documents) and the batch run lifecycle. Types use strong
// typing (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"
)

// DocType distinguishes persisted document kinds in the result store.
type DocType string

const (
	DocTypeTelemetry        DocType = "telemetry"
	DocTypeEvaluationResult DocType = "evaluation_result"
)

// ValueObjectType is stamped into every versioned metric's metadata.
const ValueObjectType = "metric_value_versioned"

// PartitionKey builds the synthetic partition tag "<app_id>:<date>" used to
// co-locate one application's documents for a single UTC day.
func PartitionKey(appID string, ts time.Time) string {
	return appID + ":" + ts.UTC().Format("2006-01-02")
}

// TelemetryRecord is one captured application input/output interaction.
// Immutable once ingested; read-only to the evaluation core.
type TelemetryRecord struct {
	ID             string         `json:"id"`
	AppID          string         `json:"app_id"`
	Timestamp      time.Time      `json:"timestamp"`
	ModelID        string         `json:"model_id"`
	ModelVersion   string         `json:"model_version"`
	InputText      string         `json:"input_text"`
	OutputText     string         `json:"output_text"`
	ExpectedOutput *string        `json:"expected_output,omitempty"`
	UserID         *string        `json:"user_id,omitempty"`
	LatencyMs      *float64       `json:"latency_ms,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

// TraceID returns the record's trace identity from metadata, or "" when absent.
func (r TelemetryRecord) TraceID() string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata["trace_id"]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetricValue is one versioned metric fact produced by a policy.
// A new value-object version is a new fact, never an in-place update.
type MetricValue struct {
	MetricName string         `json:"metric_name"`
	MetricType string         `json:"metric_type"`
	Value      float64        `json:"value"`
	Version    string         `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// NormalizeMetrics fills defaults and stamps traceability metadata onto every
// metric produced by one policy run. Metrics come back with metric_type equal
// to metric_name when unset and metadata carrying the policy identity, the
// value-object version, the dedupe trace identity and the window bounds.
func NormalizeMetrics(metrics []MetricValue, appID, policyName, policyVersion, dedupeTraceID string, windowStart, windowEnd time.Time) []MetricValue {
	now := time.Now().UTC()
	out := make([]MetricValue, len(metrics))
	for i, m := range metrics {
		if m.Version == "" {
			m.Version = policyVersion
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.MetricType == "" {
			m.MetricType = m.MetricName
		}
		md := make(map[string]any, len(m.Metadata)+8)
		for k, v := range m.Metadata {
			md[k] = v
		}
		md["app_id"] = appID
		md["policy_name"] = policyName
		md["policy_version"] = policyVersion
		md["value_object_type"] = ValueObjectType
		md["value_object_version"] = m.Version
		md["dedupe_trace_id"] = dedupeTraceID
		md["window_start"] = windowStart.UTC().Format(time.RFC3339Nano)
		md["window_end"] = windowEnd.UTC().Format(time.RFC3339Nano)
		m.Metadata = md
		out[i] = m
	}
	return out
}

// EvaluationResult is the persisted outcome of one policy run over one dedupe
// identity. Breaches are deliberately absent: they are derived at read time or
// at batch time for notification, never stored.
type EvaluationResult struct {
	ID         string        `json:"id"`
	AppID      string        `json:"app_id"`
	Timestamp  time.Time     `json:"timestamp"`
	PolicyName string        `json:"policy_name"`
	Metrics    []MetricValue `json:"metrics"`
}

// PartitionKey returns the result's synthetic partition tag.
func (r EvaluationResult) PartitionKey() string {
	return PartitionKey(r.AppID, r.Timestamp)
}

// Direction says which side of a threshold is the bad side.
type Direction string

const (
	DirectionMin Direction = "min" // breach when value < threshold
	DirectionMax Direction = "max" // breach when value > threshold
)

// Level is a breach severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Rank orders levels for severity-floor filtering. Unknown levels rank as warning.
func (l Level) Rank() int {
	if l == LevelCritical {
		return 2
	}
	return 1
}

// ThresholdRule is one configured limit for a metric at one level.
type ThresholdRule struct {
	Level     Level     `json:"level" yaml:"level"`
	Value     float64   `json:"value" yaml:"value"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// ThresholdMap maps metric name to its configured rules.
type ThresholdMap map[string][]ThresholdRule

// Breach is a metric value crossing a configured threshold. Ephemeral:
// produced by the threshold evaluator, consumed by notifiers and the
// dashboard, never written back to the store.
type Breach struct {
	MetricName     string    `json:"metric_name"`
	Level          Level     `json:"level"`
	ThresholdValue float64   `json:"threshold_value"`
	ActualValue    float64   `json:"actual_value"`
	Direction      Direction `json:"direction"`
}

// RunStatus is the lifecycle state of a batch run or one of its items.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BatchItem is one unit of work (an application) within a batch run.
// Transitions are append-only: an item never regresses to an earlier state.
type BatchItem struct {
	ItemID          string     `json:"item_id"`
	Status          RunStatus  `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	PolicyRuns      int        `json:"policy_runs"`
	BreachCount     int        `json:"breach_count"`
	NextBatchRunUTC *time.Time `json:"next_batch_run_utc,omitempty"`
	Error           string     `json:"error,omitempty"`
	Traceback       string     `json:"traceback,omitempty"`
	Logs            []ItemLog  `json:"logs,omitempty"`
}

// ItemLog is one structured log line attached to a batch item.
type ItemLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// RunStats are derived aggregates over a run's items. Computed at read time
// from item states, never separately maintained.
type RunStats struct {
	TotalItems     int     `json:"total_items"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Running        int     `json:"running"`
	Pending        int     `json:"pending"`
	TotalPolicies  int     `json:"total_policy_runs"`
	TotalBreaches  int     `json:"total_breaches"`
	SuccessRatePct float64 `json:"success_rate_pct"`
}

// BatchRun is one orchestrator invocation over a window and an app group.
type BatchRun struct {
	RunID       string      `json:"run_id"`
	Status      RunStatus   `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	GroupSize   int         `json:"group_size"`
	GroupIndex  int         `json:"group_index"`
	Items       []BatchItem `json:"items"`
	Stats       RunStats    `json:"stats"`
}
