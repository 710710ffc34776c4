// Package dedupe derives deterministic identities for units of evaluation
// work and decides, via bulk existence lookup, which units still need
// computation. Identity derivation is pure: the same input slice always
// yields the same identity, so reruns over unchanged telemetry are no-ops
// unless a policy's value-object version changed.
package dedupe

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Identity derives the dedupe trace identity for one evaluation unit.
// Tiers, in order: a single distinct trace id is used directly; multiple
// distinct trace ids collapse to a trace_set hash; slices without trace ids
// fall back to a record_set hash over record ids; slices without usable
// record ids fall back to a hash of the window bounds. Exactly one tier
// applies per unit.
func Identity(records []model.TelemetryRecord, windowStart, windowEnd time.Time) string {
	traceIDs := distinctSorted(records, func(r model.TelemetryRecord) string { return r.TraceID() })
	if len(traceIDs) == 1 {
		return traceIDs[0]
	}
	if len(traceIDs) > 1 {
		return "trace_set:" + digest(strings.Join(traceIDs, "|"))
	}

	recordIDs := distinctSorted(records, func(r model.TelemetryRecord) string { return r.ID })
	if len(recordIDs) > 0 {
		return "record_set:" + digest(strings.Join(recordIDs, "|"))
	}

	return "window:" + digest(windowStart.UTC().Format(time.RFC3339Nano) + "|" + windowEnd.UTC().Format(time.RFC3339Nano))
}

// ResultID builds the stable persisted-result id for one evaluation unit.
// The value-object version is part of the identity, which is what makes a
// version bump force recomputation.
func ResultID(appID, policyName, traceIdentity, valueObjectVersion string) string {
	fingerprint := fmt.Sprintf("%s|%s|%s|%s", appID, policyName, traceIdentity, valueObjectVersion)
	return fmt.Sprintf("%s:%s:%s:%s:%s", appID, policyName, traceIdentity, valueObjectVersion, digest(fingerprint))
}

// Unit is one schedulable slice of records sharing a dedupe identity.
type Unit struct {
	TraceIdentity string
	Records       []model.TelemetryRecord
}

// Units partitions a telemetry slice into evaluation units. Aggregate
// policies evaluate the slice as a whole; per-record policies evaluate one
// unit per distinct trace id, with untraceable records collapsed into a
// single fallback unit. Unit order is deterministic.
func Units(aggregate bool, records []model.TelemetryRecord, windowStart, windowEnd time.Time) []Unit {
	if aggregate {
		return []Unit{{TraceIdentity: Identity(records, windowStart, windowEnd), Records: records}}
	}

	byTrace := make(map[string][]model.TelemetryRecord)
	var untraced []model.TelemetryRecord
	for _, r := range records {
		if id := r.TraceID(); id != "" {
			byTrace[id] = append(byTrace[id], r)
		} else {
			untraced = append(untraced, r)
		}
	}

	traceIDs := make([]string, 0, len(byTrace))
	for id := range byTrace {
		traceIDs = append(traceIDs, id)
	}
	sort.Strings(traceIDs)

	units := make([]Unit, 0, len(traceIDs)+1)
	for _, id := range traceIDs {
		units = append(units, Unit{TraceIdentity: id, Records: byTrace[id]})
	}
	if len(untraced) > 0 {
		units = append(units, Unit{
			TraceIdentity: Identity(untraced, windowStart, windowEnd),
			Records:       untraced,
		})
	}
	if len(units) == 0 {
		// An empty slice still evaluates once so the item completes with
		// zero-sample metrics instead of failing.
		units = []Unit{{TraceIdentity: Identity(nil, windowStart, windowEnd)}}
	}
	return units
}

// ExistsChecker is the store capability the gate needs.
type ExistsChecker interface {
	BulkExists(ctx context.Context, ids []string) (map[string]bool, error)
}

// Candidate is one (policy, unit) pair awaiting the existence check.
type Candidate struct {
	PolicyName string
	Version    string // value-object version
	Unit       Unit
	ResultID   string
}

// Gate filters candidates down to the set requiring computation.
type Gate struct {
	store ExistsChecker
}

// NewGate creates a dedupe gate over the given store.
func NewGate(store ExistsChecker) *Gate {
	return &Gate{store: store}
}

// Filter returns the candidates whose result ids are not yet persisted, plus
// the count of skipped (already computed) candidates. A store failure is
// surfaced to the caller, never treated as "not computed".
func (g *Gate) Filter(ctx context.Context, candidates []Candidate) ([]Candidate, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ResultID
	}
	existing, err := g.store.BulkExists(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("dedupe: existence check: %w", err)
	}

	pending := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !existing[c.ResultID] {
			pending = append(pending, c)
		}
	}
	return pending, len(candidates) - len(pending), nil
}

func distinctSorted(records []model.TelemetryRecord, key func(model.TelemetryRecord) string) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		if k := key(r); k != "" {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func digest(material string) string {
	sum := sha1.Sum([]byte(material)) //nolint:gosec // identity fingerprint, not a security boundary
	return hex.EncodeToString(sum[:])[:16]
}
