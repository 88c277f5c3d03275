package pipeline

import (
	"context"
	"log/slog"
	"time"

	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

// Sender performs the three-step presign/upload/complete handshake for
// payloads already on disk. It is stateless across calls, so the
// foreground pipeline and the recovery worker can each hold their own
// instance without sharing any lock.
type Sender struct {
	store   store.Store
	client  *transport.Client
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// NewSender creates a handshake sender. logger may be nil; metrics and
// spans fall back to no-ops when nil.
func NewSender(st store.Store, client *transport.Client, logger *slog.Logger,
	metrics observability.MetricsRecorder, spans observability.SpanManager) *Sender {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	return &Sender{store: st, client: client, logger: logger, metrics: metrics, spans: spans}
}

// SendBatch runs the full handshake for one batch. skipped is true
// when the backend declined the payload on purpose (recording
// disabled); the caller treats that as delivered.
func (s *Sender) SendBatch(ctx context.Context, batch *store.Batch, sessionStart time.Time) (skipped bool, err error) {
	done := observability.TimedOperation()
	ctx, span := s.spans.StartUploadSpan(ctx, batch.SessionID, string(batch.ContentType), batch.BatchNumber)
	defer func() {
		s.spans.EndSpanWithError(span, err)
		s.metrics.RecordUpload(ctx, string(batch.ContentType), time.Duration(done())*time.Millisecond, err)
	}()

	presigned, err := s.presign(ctx, batch, sessionStart)
	if err != nil {
		return false, err
	}
	if presigned.SkipUpload {
		return true, nil
	}

	if err = s.put(ctx, presigned.PresignedURL, batch.Compressed); err != nil {
		return false, err
	}

	err = s.complete(ctx, presigned.BatchID, batch)
	return false, err
}

func (s *Sender) presign(ctx context.Context, batch *store.Batch, sessionStart time.Time) (transport.PresignResponse, error) {
	ctx, span := s.spans.StartStepSpan(ctx, "presign")
	resp, err := s.client.Presign(ctx, transport.PresignRequest{
		BatchNumber:      batch.BatchNumber,
		ContentType:      string(batch.ContentType),
		SizeBytes:        int64(len(batch.Compressed)),
		SessionID:        batch.SessionID,
		SessionStartTime: sessionStart,
		IsKeyframe:       batch.IsKeyframe,
	})
	s.spans.EndSpanWithError(span, err)
	return resp, err
}

func (s *Sender) put(ctx context.Context, url string, payload []byte) error {
	ctx, span := s.spans.StartStepSpan(ctx, "put")
	err := s.client.UploadPayload(ctx, url, payload)
	s.spans.EndSpanWithError(span, err)
	return err
}

func (s *Sender) complete(ctx context.Context, batchID string, batch *store.Batch) error {
	ctx, span := s.spans.StartStepSpan(ctx, "complete")
	err := s.client.CompleteBatch(ctx, transport.CompleteRequest{
		BatchID:         batchID,
		ActualSizeBytes: int64(len(batch.Compressed)),
		EventCount:      batch.EventCount,
		FrameCount:      batch.FrameCount,
		Timestamp:       time.Now().UTC(),
	})
	s.spans.EndSpanWithError(span, err)
	return err
}

// FlushSession delivers every pending payload for a session in batch
// order, deleting each from disk only after acknowledgment. It stops
// at the first failure so the backend keeps observing in-order
// delivery. Returns the number of batches delivered (or skipped).
func (s *Sender) FlushSession(ctx context.Context, sessionID string, sessionStart time.Time) (int, error) {
	infos, err := s.store.ListPending(sessionID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, info := range infos {
		batch, err := s.store.Load(info)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return delivered, rkerrors.Transient(err, "load pending batch")
		}

		skipped, err := s.SendBatch(ctx, batch, sessionStart)
		if err != nil {
			observability.LogUploadError(s.logger, sessionID, info.BatchNumber, err)
			return delivered, err
		}
		if !skipped {
			observability.LogBatchDelivered(s.logger, sessionID, info.BatchNumber, 0)
		}

		// Removal is the only terminal transition; it happens exactly
		// once, after acknowledgment (or a definitive skip).
		if err := s.store.Delete(info); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// SendEnd sends the terminal session signal.
func (s *Sender) SendEnd(ctx context.Context, req transport.EndSessionRequest) error {
	ctx, span := s.spans.StartStepSpan(ctx, "session_end")
	err := s.client.EndSession(ctx, req)
	s.spans.EndSpanWithError(span, err)
	return err
}
