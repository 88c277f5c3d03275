package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the replaykit tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("replaykit")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartUploadSpan starts a span for one full presign/upload/complete
	// handshake. Returns the context with span and the span itself.
	StartUploadSpan(ctx context.Context, sessionID, contentType string, batchNumber int) (context.Context, trace.Span)

	// StartStepSpan starts a span for one handshake step (presign, put,
	// complete). The step span should be a child of the upload span.
	StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartUploadSpan starts a span for a full upload handshake.
func (m *otelSpanManager) StartUploadSpan(ctx context.Context, sessionID, contentType string, batchNumber int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "replaykit.upload",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("content.type", contentType),
			attribute.Int("batch.number", batchNumber),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartStepSpan starts a span for one handshake step.
func (m *otelSpanManager) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "replaykit.upload."+step,
		trace.WithAttributes(
			attribute.String("upload.step", step),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
