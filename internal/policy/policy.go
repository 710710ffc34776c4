// Package policy defines the evaluation policy capability interface and the
// registry of named policies. A policy is a named, versioned computation that
// produces one or more metric values from a telemetry slice. Adding a policy
// means registering a new Evaluator implementation; the batch orchestrator is
// never modified for it.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/model"
)

// Continuous monitoring metric names (taxonomy-native, no name mapping).
const (
	SafetyToxicity           = "safety_toxicity"
	SafetyBiasFairness       = "safety_bias_fairness"
	SafetyRobustness         = "safety_robustness"
	SafetyCompliance         = "safety_compliance"
	PerfGroundedness         = "performance_groundedness_faithfulness"
	PerfRelevance            = "performance_relevance"
	PerfPrecisionCoherence   = "performance_precision_coherence"
	PerfReadabilityFluency   = "performance_readability_fluency_style"
	SystemReliabilityLatency = "system_reliability_latency"
	SystemReliabilityHealth  = "system_reliability_availability_resource_health"
)

// Evaluator is the capability interface for one named policy.
//
// Evaluate is a pure function of telemetry content plus configuration: it must
// not mutate records or feats, so the executor can share both read-only across
// concurrently running policies.
type Evaluator interface {
	// Name is the policy's registered name, equal to its primary metric name.
	Name() string
	// Version is the policy's value-object schema version. Bumping it forces
	// recomputation of otherwise-identical evaluation units.
	Version() string
	// Aggregate declares whether the policy evaluates a telemetry slice as one
	// unit (aggregate signals) or per trace group.
	Aggregate() bool
	Evaluate(ctx context.Context, appID string, records []model.TelemetryRecord, feats *Features) ([]model.MetricValue, error)
}

// Factory constructs an Evaluator from its declared configuration.
type Factory func(name string, cfg config.PolicyConfig) Evaluator

// Registry is the startup-time lookup table of named policies.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register adds a policy factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names returns the registered policy names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named policy with its configuration.
func (r *Registry) Build(name string, cfg config.PolicyConfig) (Evaluator, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("policy: not registered: %s", name)
	}
	return f(name, cfg), nil
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.factories[name]
	return ok
}
