package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordUpload does nothing.
func (NoopMetrics) RecordUpload(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordPersist does nothing.
func (NoopMetrics) RecordPersist(_ context.Context, _ string, _ int64, _ bool) {}

// RecordBreakerOpen does nothing.
func (NoopMetrics) RecordBreakerOpen(_ context.Context, _ string) {}

// RecordRecovery does nothing.
func (NoopMetrics) RecordRecovery(_ context.Context, _ bool, _ time.Duration) {}

// RecordCrashReport does nothing.
func (NoopMetrics) RecordCrashReport(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartUploadSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartUploadSpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartStepSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartStepSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
