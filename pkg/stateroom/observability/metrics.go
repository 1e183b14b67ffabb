package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records state-core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStage records one pipeline stage execution with its
	// duration and error status.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordEventOutcome records a terminal pipeline outcome.
	RecordEventOutcome(ctx context.Context, accepted bool, duration time.Duration)

	// RecordResolution records a conflict-resolution invocation with
	// the size of the conflicted set.
	RecordResolution(ctx context.Context, conflicted int, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stageRuns       metric.Int64Counter
	stageLatency    metric.Float64Histogram
	stageErrors     metric.Int64Counter
	eventOutcomes   metric.Int64Counter
	eventLatency    metric.Float64Histogram
	resolutions     metric.Int64Counter
	conflictedKeys  metric.Int64Histogram
	resolveLatency  metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("stateroom")

	stageRuns, err := meter.Int64Counter("stateroom.stage.runs",
		metric.WithDescription("Number of pipeline stage executions"),
	)
	if err != nil {
		return nil, err
	}
	stageLatency, err := meter.Float64Histogram("stateroom.stage.latency_ms",
		metric.WithDescription("Pipeline stage latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	stageErrors, err := meter.Int64Counter("stateroom.stage.errors",
		metric.WithDescription("Number of pipeline stage errors"),
	)
	if err != nil {
		return nil, err
	}
	eventOutcomes, err := meter.Int64Counter("stateroom.event.outcomes",
		metric.WithDescription("Number of terminal pipeline outcomes"),
	)
	if err != nil {
		return nil, err
	}
	eventLatency, err := meter.Float64Histogram("stateroom.event.latency_ms",
		metric.WithDescription("Ingest-to-terminal event latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter("stateroom.resolution.runs",
		metric.WithDescription("Number of conflict-resolution invocations"),
	)
	if err != nil {
		return nil, err
	}
	conflictedKeys, err := meter.Int64Histogram("stateroom.resolution.conflicted_keys",
		metric.WithDescription("Conflicted keys per resolution"),
	)
	if err != nil {
		return nil, err
	}
	resolveLatency, err := meter.Float64Histogram("stateroom.resolution.latency_ms",
		metric.WithDescription("Conflict-resolution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stageRuns:      stageRuns,
		stageLatency:   stageLatency,
		stageErrors:    stageErrors,
		eventOutcomes:  eventOutcomes,
		eventLatency:   eventLatency,
		resolutions:    resolutions,
		conflictedKeys: conflictedKeys,
		resolveLatency: resolveLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

// RecordStage implements MetricsRecorder.
func (m *otelMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageRuns.Add(ctx, 1, attrs)
	m.stageLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stageErrors.Add(ctx, 1, attrs)
	}
}

// RecordEventOutcome implements MetricsRecorder.
func (m *otelMetrics) RecordEventOutcome(ctx context.Context, accepted bool, duration time.Duration) {
	m.eventOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
	m.eventLatency.Record(ctx, float64(duration.Milliseconds()))
}

// RecordResolution implements MetricsRecorder.
func (m *otelMetrics) RecordResolution(ctx context.Context, conflicted int, duration time.Duration) {
	m.resolutions.Add(ctx, 1)
	m.conflictedKeys.Record(ctx, int64(conflicted))
	m.resolveLatency.Record(ctx, float64(duration.Milliseconds()))
}
