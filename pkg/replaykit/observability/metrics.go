package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records replaykit metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordUpload records one upload handshake with its duration and error status.
	RecordUpload(ctx context.Context, contentType string, duration time.Duration, err error)

	// RecordPersist records a batch write to the durable store.
	// lost is true only when the write failed and the data could not be kept.
	RecordPersist(ctx context.Context, contentType string, sizeBytes int64, lost bool)

	// RecordBreakerOpen records the circuit breaker opening.
	RecordBreakerOpen(ctx context.Context, sessionID string)

	// RecordRecovery records the outcome of one session recovery.
	RecordRecovery(ctx context.Context, success bool, duration time.Duration)

	// RecordCrashReport records a crash or ANR report being persisted.
	RecordCrashReport(ctx context.Context, kind string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	uploads       metric.Int64Counter
	uploadLatency metric.Float64Histogram
	uploadErrors  metric.Int64Counter
	persistBytes  metric.Int64Histogram
	persistLost   metric.Int64Counter
	breakerOpens  metric.Int64Counter
	recoveries    metric.Int64Counter
	recoveryTime  metric.Float64Histogram
	crashReports  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("replaykit")

	uploads, err := meter.Int64Counter("replaykit.upload.attempts",
		metric.WithDescription("Number of upload handshake attempts"),
	)
	if err != nil {
		return nil, err
	}

	uploadLatency, err := meter.Float64Histogram("replaykit.upload.latency_ms",
		metric.WithDescription("Upload handshake latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	uploadErrors, err := meter.Int64Counter("replaykit.upload.errors",
		metric.WithDescription("Number of failed upload attempts"),
	)
	if err != nil {
		return nil, err
	}

	persistBytes, err := meter.Int64Histogram("replaykit.persist.size_bytes",
		metric.WithDescription("Persisted batch size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	persistLost, err := meter.Int64Counter("replaykit.persist.lost",
		metric.WithDescription("Batches lost to disk-write failure after retry"),
	)
	if err != nil {
		return nil, err
	}

	breakerOpens, err := meter.Int64Counter("replaykit.breaker.opens",
		metric.WithDescription("Number of circuit breaker opens"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter("replaykit.recovery.sessions",
		metric.WithDescription("Number of session recovery attempts"),
	)
	if err != nil {
		return nil, err
	}

	recoveryTime, err := meter.Float64Histogram("replaykit.recovery.latency_ms",
		metric.WithDescription("Session recovery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	crashReports, err := meter.Int64Counter("replaykit.crash.reports",
		metric.WithDescription("Number of crash/ANR reports persisted"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		uploads:       uploads,
		uploadLatency: uploadLatency,
		uploadErrors:  uploadErrors,
		persistBytes:  persistBytes,
		persistLost:   persistLost,
		breakerOpens:  breakerOpens,
		recoveries:    recoveries,
		recoveryTime:  recoveryTime,
		crashReports:  crashReports,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordUpload records an upload handshake attempt.
func (m *otelMetrics) RecordUpload(ctx context.Context, contentType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("content_type", contentType),
	}

	m.uploads.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.uploadLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.uploadErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPersist records a batch persist.
func (m *otelMetrics) RecordPersist(ctx context.Context, contentType string, sizeBytes int64, lost bool) {
	attrs := []attribute.KeyValue{
		attribute.String("content_type", contentType),
	}
	m.persistBytes.Record(ctx, sizeBytes, metric.WithAttributes(attrs...))
	if lost {
		m.persistLost.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBreakerOpen records a circuit breaker open.
func (m *otelMetrics) RecordBreakerOpen(ctx context.Context, sessionID string) {
	m.breakerOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session_id", sessionID),
	))
}

// RecordRecovery records one session recovery outcome.
func (m *otelMetrics) RecordRecovery(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.recoveryTime.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordCrashReport records a persisted crash or ANR report.
func (m *otelMetrics) RecordCrashReport(ctx context.Context, kind string) {
	m.crashReports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
