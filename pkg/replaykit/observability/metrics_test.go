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

// setupMetricsTest creates a test meter provider and returns a reader to
// collect metrics from.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	// Save the original provider
	originalProvider := otel.GetMeterProvider()

	// Set test provider
	otel.SetMeterProvider(provider)

	// Return cleanup function
	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
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

// sumValue returns the total of all data points of an Int64 sum metric.
func sumValue(m *metricdata.Metrics) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	m := NewMetricsRecorder()
	require.NotNil(t, m)
}

func TestOtelMetrics_RecordUpload(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	t.Run("records attempt and latency", func(t *testing.T) {
		m.RecordUpload(context.Background(), "events", 120*time.Millisecond, nil)

		rm := collectMetrics(t, reader)

		attempts := findMetric(rm, "replaykit.upload.attempts")
		require.NotNil(t, attempts)
		assert.Equal(t, int64(1), sumValue(attempts))

		latency := findMetric(rm, "replaykit.upload.latency_ms")
		require.NotNil(t, latency)
		hist, ok := latency.Data.(metricdata.Histogram[float64])
		require.True(t, ok)
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, 120.0, hist.DataPoints[0].Sum)
	})

	t.Run("records error counter on failure", func(t *testing.T) {
		m.RecordUpload(context.Background(), "events", 50*time.Millisecond, errors.New("boom"))

		rm := collectMetrics(t, reader)

		uploadErrors := findMetric(rm, "replaykit.upload.errors")
		require.NotNil(t, uploadErrors)
		assert.Equal(t, int64(1), sumValue(uploadErrors))
	})
}

func TestOtelMetrics_RecordPersist(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordPersist(context.Background(), "frames", 2048, false)
	m.RecordPersist(context.Background(), "frames", 1024, true)

	rm := collectMetrics(t, reader)

	bytes := findMetric(rm, "replaykit.persist.size_bytes")
	require.NotNil(t, bytes)
	hist, ok := bytes.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, int64(3072), hist.DataPoints[0].Sum)

	lost := findMetric(rm, "replaykit.persist.lost")
	require.NotNil(t, lost)
	assert.Equal(t, int64(1), sumValue(lost))
}

func TestOtelMetrics_RecordBreakerOpen(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordBreakerOpen(context.Background(), "sess-1")
	m.RecordBreakerOpen(context.Background(), "sess-1")

	rm := collectMetrics(t, reader)

	opens := findMetric(rm, "replaykit.breaker.opens")
	require.NotNil(t, opens)
	assert.Equal(t, int64(2), sumValue(opens))
}

func TestOtelMetrics_RecordRecovery(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordRecovery(context.Background(), true, 2*time.Second)
	m.RecordRecovery(context.Background(), false, time.Second)

	rm := collectMetrics(t, reader)

	recoveries := findMetric(rm, "replaykit.recovery.sessions")
	require.NotNil(t, recoveries)
	assert.Equal(t, int64(2), sumValue(recoveries))

	latency := findMetric(rm, "replaykit.recovery.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	// One data point per success attribute value.
	var total float64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.Equal(t, 3000.0, total)
}

func TestOtelMetrics_RecordCrashReport(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordCrashReport(context.Background(), "crash")
	m.RecordCrashReport(context.Background(), "anr")

	rm := collectMetrics(t, reader)

	reports := findMetric(rm, "replaykit.crash.reports")
	require.NotNil(t, reports)
	assert.Equal(t, int64(2), sumValue(reports))
}
