package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics_ImplementsInterface(t *testing.T) {
	var _ MetricsRecorder = NoopMetrics{}
}

func TestNoopMetrics_RecordUpload(t *testing.T) {
	m := NoopMetrics{}

	t.Run("does not panic with valid args", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordUpload(context.Background(), "events", 100*time.Millisecond, nil)
		})
	})

	t.Run("does not panic with error", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordUpload(context.Background(), "events", 100*time.Millisecond, errors.New("test"))
		})
	})

	t.Run("does not panic with nil context", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordUpload(nil, "events", 0, nil)
		})
	})

	t.Run("does not panic with empty content type", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordUpload(context.Background(), "", 0, nil)
		})
	})
}

func TestNoopMetrics_RecordPersist(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordPersist(context.Background(), "frames", 4096, false)
	})
	assert.NotPanics(t, func() {
		m.RecordPersist(context.Background(), "frames", 0, true)
	})
}

func TestNoopMetrics_RecordBreakerOpen(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordBreakerOpen(context.Background(), "sess-1")
	})
	assert.NotPanics(t, func() {
		m.RecordBreakerOpen(nil, "")
	})
}

func TestNoopMetrics_RecordRecovery(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordRecovery(context.Background(), true, time.Second)
	})
	assert.NotPanics(t, func() {
		m.RecordRecovery(context.Background(), false, 0)
	})
}

func TestNoopMetrics_RecordCrashReport(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordCrashReport(context.Background(), "crash")
	})
	assert.NotPanics(t, func() {
		m.RecordCrashReport(nil, "")
	})
}

func TestNoopSpanManager_ImplementsInterface(t *testing.T) {
	var _ SpanManager = NoopSpanManager{}
}

func TestNoopSpanManager_StartUploadSpan(t *testing.T) {
	m := NoopSpanManager{}

	t.Run("returns context unchanged", func(t *testing.T) {
		ctx := context.Background()
		gotCtx, span := m.StartUploadSpan(ctx, "sess-1", "events", 3)
		assert.Equal(t, ctx, gotCtx)
		assert.NotNil(t, span)
	})

	t.Run("span methods do not panic", func(t *testing.T) {
		_, span := m.StartUploadSpan(context.Background(), "sess-1", "events", 3)
		assert.NotPanics(t, func() {
			span.AddEvent("event")
			span.RecordError(errors.New("test"))
			span.End()
		})
	})
}

func TestNoopSpanManager_StartStepSpan(t *testing.T) {
	m := NoopSpanManager{}

	ctx := context.Background()
	gotCtx, span := m.StartStepSpan(ctx, "presign")
	assert.Equal(t, ctx, gotCtx)
	assert.NotNil(t, span)
}

func TestNoopSpanManager_EndSpanWithError(t *testing.T) {
	m := NoopSpanManager{}

	t.Run("does not panic with nil span", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.EndSpanWithError(nil, errors.New("test"))
		})
	})

	t.Run("does not panic with noop span", func(t *testing.T) {
		_, span := m.StartStepSpan(context.Background(), "put")
		assert.NotPanics(t, func() {
			m.EndSpanWithError(span, nil)
		})
	})
}

func TestNoopSpanManager_AddSpanEvent(t *testing.T) {
	m := NoopSpanManager{}

	assert.NotPanics(t, func() {
		m.AddSpanEvent(context.Background(), "event",
			attribute.String("key", "value"))
	})
	assert.NotPanics(t, func() {
		m.AddSpanEvent(context.Background(), "event")
	})
}
