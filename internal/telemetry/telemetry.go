// Package telemetry pushes core metrics toward the monitoring collaborator
// on a fixed interval: decision throughput and latency by outcome, action
// verdicts, and degraded memory reads.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"cortex/internal/config"
)

// Telemetry owns the meter provider and the core's instruments. A disabled
// configuration yields working no-op instruments, so call sites never
// branch.
type Telemetry struct {
	provider *sdkmetric.MeterProvider

	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram
	actions          metric.Int64Counter
	degradedReads    metric.Int64Counter
}

// New builds the telemetry pipeline. When enabled, metrics export
// periodically on the configured interval.
func New(cfg config.TelemetryConfig) (*Telemetry, error) {
	var opts []sdkmetric.Option
	if cfg.Enabled {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to build metric exporter: %w", err)
		}
		interval := cfg.PushInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval))),
		)
	}
	opts = append(opts, sdkmetric.WithResource(resource.NewSchemaless(
		attribute.String("service.name", "cortex"),
	)))

	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter("cortex")

	t := &Telemetry{provider: provider}
	var err error
	if t.decisions, err = meter.Int64Counter("cortex.decisions",
		metric.WithDescription("Decisions recorded, by outcome")); err != nil {
		return nil, err
	}
	if t.decisionDuration, err = meter.Float64Histogram("cortex.decision.duration",
		metric.WithDescription("Decision latency in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if t.actions, err = meter.Int64Counter("cortex.actions",
		metric.WithDescription("Action requests, by verdict")); err != nil {
		return nil, err
	}
	if t.degradedReads, err = meter.Int64Counter("cortex.memory.degraded_reads",
		metric.WithDescription("Hybrid reads that lost a backend")); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordDecision counts one decision and its latency.
func (t *Telemetry) RecordDecision(ctx context.Context, outcome string, elapsed time.Duration, degraded bool) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	t.decisions.Add(ctx, 1, attrs)
	t.decisionDuration.Record(ctx, elapsed.Seconds(), attrs)
	if degraded {
		t.degradedReads.Add(ctx, 1)
	}
}

// RecordAction counts one action request by verdict.
func (t *Telemetry) RecordAction(ctx context.Context, verdict string) {
	t.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// Shutdown flushes and stops the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
