package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// OTLPSource reads telemetry from a static OTLP-shaped JSON trace payload
// (resourceSpans > scopeSpans > spans). Useful for replaying exported traces
// through the same evaluation pipeline without a store.
type OTLPSource struct {
	path      string
	chunkSize int
	logger    *slog.Logger
}

type otlpPayload struct {
	ResourceSpans []struct {
		Resource struct {
			Attributes []otlpAttr `json:"attributes"`
		} `json:"resource"`
		ScopeSpans []struct {
			Spans []otlpSpan `json:"spans"`
		} `json:"scopeSpans"`
	} `json:"resourceSpans"`
}

type otlpSpan struct {
	TraceID           string     `json:"traceId"`
	SpanID            string     `json:"spanId"`
	StartTimeUnixNano string     `json:"startTimeUnixNano"`
	Attributes        []otlpAttr `json:"attributes"`
}

type otlpAttr struct {
	Key   string `json:"key"`
	Value struct {
		StringValue *string  `json:"stringValue,omitempty"`
		IntValue    *string  `json:"intValue,omitempty"`
		DoubleValue *float64 `json:"doubleValue,omitempty"`
		BoolValue   *bool    `json:"boolValue,omitempty"`
	} `json:"value"`
}

func (a otlpAttr) value() any {
	switch {
	case a.Value.StringValue != nil:
		return *a.Value.StringValue
	case a.Value.IntValue != nil:
		return *a.Value.IntValue
	case a.Value.DoubleValue != nil:
		return *a.Value.DoubleValue
	case a.Value.BoolValue != nil:
		return *a.Value.BoolValue
	default:
		return nil
	}
}

func attrsToMap(attrs []otlpAttr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		if a.Key == "" {
			continue
		}
		out[a.Key] = a.value()
	}
	return out
}

// Fetch parses the payload and emits matching spans as telemetry records in
// chunks. Spans that cannot be mapped are skipped and logged, never fatal.
func (o *OTLPSource) Fetch(ctx context.Context, appID string, start, end time.Time, page PageFunc) error {
	raw, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("source: read OTLP payload: %w", err)
	}
	var payload otlpPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("source: parse OTLP payload: %w", err)
	}

	chunkSize := o.chunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	var chunk []model.TelemetryRecord
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		out := chunk
		chunk = nil
		return page(out)
	}

	for _, rs := range payload.ResourceSpans {
		resourceAttrs := attrsToMap(rs.Resource.Attributes)
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, ok := o.spanToRecord(appID, span, resourceAttrs, start, end)
				if !ok {
					continue
				}
				chunk = append(chunk, rec)
				if len(chunk) >= chunkSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	return flush()
}

func (o *OTLPSource) spanToRecord(appID string, span otlpSpan, resourceAttrs map[string]any, start, end time.Time) (model.TelemetryRecord, bool) {
	attrs := make(map[string]any, len(resourceAttrs)+len(span.Attributes))
	for k, v := range resourceAttrs {
		attrs[k] = v
	}
	for k, v := range attrsToMap(span.Attributes) {
		attrs[k] = v
	}

	recAppID := attrString(attrs, "app_id", attrString(attrs, "service.name", ""))
	if recAppID != appID {
		return model.TelemetryRecord{}, false
	}

	ts := timeFromUnixNano(span.StartTimeUnixNano)
	if ts.Before(start) || !ts.Before(end) {
		return model.TelemetryRecord{}, false
	}

	id := attrString(attrs, "event_id", "")
	if id == "" {
		traceOrSpan := span.TraceID
		if traceOrSpan == "" {
			traceOrSpan = span.SpanID
		}
		if traceOrSpan == "" {
			o.logger.Warn("source: skipping OTLP span without identity", "app_id", appID)
			return model.TelemetryRecord{}, false
		}
		id = appID + ":" + traceOrSpan
	}

	rec := model.TelemetryRecord{
		ID:           id,
		AppID:        recAppID,
		Timestamp:    ts,
		ModelID:      attrString(attrs, "model_id", attrString(attrs, "llm.model", "unknown-model")),
		ModelVersion: attrString(attrs, "model_version", attrString(attrs, "llm.model_version", "unknown-version")),
		InputText:    attrString(attrs, "input_text", attrString(attrs, "llm.input", "")),
		OutputText:   attrString(attrs, "output_text", attrString(attrs, "llm.output", "")),
		Metadata: map[string]any{
			"span_id":      span.SpanID,
			"service_name": attrs["service.name"],
		},
	}
	if span.TraceID != "" {
		rec.Metadata["trace_id"] = span.TraceID
	}
	if userID := attrString(attrs, "user_id", ""); userID != "" {
		rec.UserID = &userID
	}
	if latency, ok := attrFloat(attrs, "latency_ms"); ok {
		rec.LatencyMs = &latency
	} else if latency, ok := attrFloat(attrs, "duration_ms"); ok {
		rec.LatencyMs = &latency
	}
	return rec, true
}

func attrString(attrs map[string]any, key, def string) string {
	if v, ok := attrs[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return def
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func timeFromUnixNano(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}
