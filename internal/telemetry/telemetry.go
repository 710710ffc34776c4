// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and carries the batch run instrument set.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Metrics is the batch run instrument set. All instruments come from the
// global meter provider, so they are no-ops unless Init configured an
// exporter.
type Metrics struct {
	PolicyRuns   metric.Int64Counter
	UnitsSkipped metric.Int64Counter
	Breaches     metric.Int64Counter
	ItemsDone    metric.Int64Counter
	ItemsFailed  metric.Int64Counter
}

// NewMetrics creates the batch run instruments.
func NewMetrics() (*Metrics, error) {
	meter := Meter("hyoka/batch")

	policyRuns, err := meter.Int64Counter("hyoka.policy_runs",
		metric.WithDescription("Policy evaluation units computed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	skipped, err := meter.Int64Counter("hyoka.units_skipped",
		metric.WithDescription("Evaluation units skipped by the dedupe gate"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	breaches, err := meter.Int64Counter("hyoka.threshold_breaches",
		metric.WithDescription("Threshold breaches detected"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	itemsDone, err := meter.Int64Counter("hyoka.items_completed",
		metric.WithDescription("Batch items completed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	itemsFailed, err := meter.Int64Counter("hyoka.items_failed",
		metric.WithDescription("Batch items failed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}

	return &Metrics{
		PolicyRuns:   policyRuns,
		UnitsSkipped: skipped,
		Breaches:     breaches,
		ItemsDone:    itemsDone,
		ItemsFailed:  itemsFailed,
	}, nil
}
