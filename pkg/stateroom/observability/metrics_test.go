package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider and returns
// the reader plus a cleanup function.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordStage(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records stage runs with the stage attribute", func(t *testing.T) {
		m.RecordStage(ctx, "authorization", 5*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "stateroom.stage.runs")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)

		found := false
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "stage" && attr.Value.AsString() == "authorization" {
					found = true
					assert.GreaterOrEqual(t, dp.Value, int64(1))
				}
			}
		}
		assert.True(t, found, "Expected a datapoint for stage=authorization")
	})

	t.Run("records latency", func(t *testing.T) {
		m.RecordStage(ctx, "state_resolution", 25*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "stateroom.stage.latency_ms")
		require.NotNil(t, metric)

		hist, ok := metric.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records errors when present", func(t *testing.T) {
		m.RecordStage(ctx, "persistence", time.Millisecond, errors.New("disk full"))

		rm := collectMetrics(t, reader)
		metric := findMetric(rm, "stateroom.stage.errors")
		require.NotNil(t, metric)

		sum, ok := metric.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)
	})

	t.Run("does not record error when nil", func(t *testing.T) {
		m.RecordStage(ctx, "federation", time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		if metric := findMetric(rm, "stateroom.stage.errors"); metric != nil {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					for _, attr := range dp.Attributes.ToSlice() {
						if attr.Key == "stage" && attr.Value.AsString() == "federation" {
							assert.Equal(t, int64(0), dp.Value, "Expected no errors for the federation stage")
						}
					}
				}
			}
		}
	})
}

func TestRecordEventOutcome(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordEventOutcome(ctx, true, 120*time.Millisecond)
	m.RecordEventOutcome(ctx, false, 40*time.Millisecond)

	rm := collectMetrics(t, reader)

	metric := findMetric(rm, "stateroom.event.outcomes")
	require.NotNil(t, metric)
	sum, ok := metric.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	// One datapoint per accepted value.
	assert.Len(t, sum.DataPoints, 2)

	metric = findMetric(rm, "stateroom.event.latency_ms")
	require.NotNil(t, metric)
}

func TestRecordResolution(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordResolution(context.Background(), 3, 15*time.Millisecond)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "stateroom.resolution.runs"))
	require.NotNil(t, findMetric(rm, "stateroom.resolution.latency_ms"))

	metric := findMetric(rm, "stateroom.resolution.conflicted_keys")
	require.NotNil(t, metric)
	hist, ok := metric.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.NotEmpty(t, hist.DataPoints)
}

func TestNoopMetrics(t *testing.T) {
	// Must never panic, with or without a provider.
	m := NoopMetrics{}
	ctx := context.Background()
	m.RecordStage(ctx, "authorization", time.Millisecond, errors.New("ignored"))
	m.RecordEventOutcome(ctx, true, time.Millisecond)
	m.RecordResolution(ctx, 10, time.Millisecond)
}
