package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

// BatchInput is one uncompressed batch handed to UploadBatch.
type BatchInput struct {
	ContentType store.ContentType

	// Payload is the serialized event or frame data. The pipeline
	// compresses it; the caller never sees the gzip form.
	Payload []byte

	IsKeyframe bool
	EventCount int
	FrameCount int

	// IsFinal marks the last batch before the session ends. Carried as
	// metadata; delivery semantics are identical.
	IsFinal bool
}

// Session is the serialized upload context for one session. All its
// operations run on the session's single-goroutine queue, preserving
// batch-number ordering and the flush-pending-before-new invariant.
type Session struct {
	p         *Pipeline
	id        string
	startTime time.Time
	queue     *taskQueue
	breaker   *CircuitBreaker

	// seq assigns monotonically increasing batch numbers per content
	// type. Only touched on the queue goroutine.
	seq map[store.ContentType]int

	backgroundMs atomic.Int64
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// StartTime returns when the session started capturing.
func (s *Session) StartTime() time.Time { return s.startTime }

// Breaker exposes the session's circuit breaker state.
func (s *Session) Breaker() *CircuitBreaker { return s.breaker }

// UploadBatch compresses, persists, and delivers one batch. The
// persisted copy is written before any network attempt and removed
// only after the completion step is acknowledged. Returns true when
// the batch (and everything queued before it) was delivered.
//
// Persist-only outcomes (offline, open breaker, billing hold) return
// false but keep the data; the background durability worker or a later
// call replays it.
func (s *Session) UploadBatch(ctx context.Context, in BatchInput) bool {
	var delivered bool
	err := s.queue.do(ctx, func(ctx context.Context) {
		delivered = s.uploadBatch(ctx, in)
	})
	if err != nil {
		return false
	}
	return delivered
}

// uploadBatch runs on the queue goroutine.
func (s *Session) uploadBatch(ctx context.Context, in BatchInput) bool {
	compressed, err := store.Compress(in.Payload)
	if err != nil {
		observability.LogPersistError(s.p.logger, s.id, s.seq[in.ContentType]+1, err)
		return false
	}

	s.seq[in.ContentType]++
	batch := &store.Batch{
		SessionID:   s.id,
		ContentType: in.ContentType,
		BatchNumber: s.seq[in.ContentType],
		IsKeyframe:  in.IsKeyframe,
		Compressed:  compressed,
		EventCount:  in.EventCount,
		FrameCount:  in.FrameCount,
		CreatedAt:   time.Now().UTC(),
	}
	if !s.p.persist(ctx, batch) {
		return false
	}

	return s.flushPending(ctx)
}

// flushPending delivers every persisted payload for this session in
// batch-number order (ties broken by filename), so the backend
// observes in-order delivery. Runs on the queue goroutine.
func (s *Session) flushPending(ctx context.Context) bool {
	p := s.p

	if p.billingBlocked.Load() {
		return false
	}
	if !p.connected() {
		return false
	}

	infos, err := p.store.ListPending(s.id)
	if err != nil {
		observability.LogUploadError(p.logger, s.id, 0, err)
		return false
	}

	for _, info := range infos {
		// Breaker open: skip uploads (persist-only) until the cooldown
		// elapses.
		if !s.breaker.CanUpload() {
			return false
		}

		batch, err := p.store.Load(info)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			observability.LogUploadError(p.logger, s.id, info.BatchNumber, err)
			return false
		}

		done := observability.TimedOperation()
		skipped, err := p.sender.SendBatch(ctx, batch, s.startTime)
		if err != nil {
			s.noteUploadFailure(ctx, err, info.BatchNumber)
			return false
		}
		s.breaker.RecordSuccess()
		if !skipped {
			observability.LogBatchDelivered(p.logger, s.id, info.BatchNumber, done())
		}

		if err := p.store.Delete(info); err != nil {
			observability.LogUploadError(p.logger, s.id, info.BatchNumber, err)
			return false
		}
	}
	return true
}

// noteUploadFailure routes one failed attempt into breaker accounting
// and the pipeline-wide halts.
func (s *Session) noteUploadFailure(ctx context.Context, err error, batchNumber int) {
	p := s.p
	observability.LogUploadError(p.logger, s.id, batchNumber, err)

	switch rkerrors.Categorize(err) {
	case rkerrors.CategoryBilling:
		p.billingBlocked.Store(true)
		observability.LogBillingBlocked(p.logger, s.id)
	case rkerrors.CategoryAuth:
		// Out-of-band refresh; only the current attempt fails.
		go p.tokens.EnsureValidToken(context.WithoutCancel(ctx))
	case rkerrors.CategoryTransient:
		if s.breaker.RecordFailure() {
			observability.LogBreakerOpen(p.logger, s.id, s.breaker.Failures())
			p.metrics.RecordBreakerOpen(ctx, s.id)
		}
	}
}

// AddBackgroundTime accumulates backgrounded time and updates the
// recovery marker so a crashed process can report it.
func (s *Session) AddBackgroundTime(d time.Duration) {
	total := s.backgroundMs.Add(d.Milliseconds())
	err := s.queue.do(context.Background(), func(context.Context) {
		_ = s.p.store.SaveMarker(store.Marker{
			SessionID:             s.id,
			SessionStartTime:      s.startTime,
			TotalBackgroundTimeMs: total,
			UpdatedAt:             time.Now().UTC(),
		})
	})
	_ = err
}

// EndSession flushes what it can, then sends the terminal signal with
// the end timestamp, accumulated background time, and optional summary
// metrics. The recovery marker is cleared only on success, so an
// unacknowledged end is retried by the durability worker.
func (s *Session) EndSession(ctx context.Context, metrics map[string]any, endedAtOverride ...time.Time) bool {
	endedAt := time.Now().UTC()
	if len(endedAtOverride) > 0 {
		endedAt = endedAtOverride[0]
	}

	var ended bool
	err := s.queue.do(ctx, func(ctx context.Context) {
		s.flushPending(ctx)

		if s.p.billingBlocked.Load() || !s.p.connected() {
			return
		}
		err := s.p.sender.SendEnd(ctx, transport.EndSessionRequest{
			SessionID:             s.id,
			EndedAt:               endedAt,
			TotalBackgroundTimeMs: s.backgroundMs.Load(),
			Metrics:               metrics,
		})
		if err != nil {
			s.noteUploadFailure(ctx, err, 0)
			return
		}
		if err := s.p.store.DeleteMarker(s.id); err != nil {
			observability.LogUploadError(s.p.logger, s.id, 0, err)
		}
		ended = true
	})
	if err != nil {
		return false
	}
	if ended {
		s.p.removeSession(s.id)
		s.queue.close()
	}
	return ended
}

// EvaluateReplayPromotion asks the backend whether this session's
// heavy video frames are worth uploading. Frame upload only proceeds
// if promoted; this bounds storage cost by decoupling "always collect
// lightweight events" from "selectively collect heavy media".
func (s *Session) EvaluateReplayPromotion(ctx context.Context, metrics map[string]any) (promoted bool, reason string, err error) {
	var decision transport.ReplayDecision
	var callErr error
	qErr := s.queue.do(ctx, func(ctx context.Context) {
		decision, callErr = s.p.client.EvaluateReplay(ctx, transport.ReplayRequest{
			SessionID: s.id,
			Metrics:   metrics,
		})
	})
	if qErr != nil {
		return false, "", qErr
	}
	if callErr != nil {
		s.noteUploadFailure(ctx, callErr, 0)
		return false, "", callErr
	}
	return decision.Promoted, decision.Reason, nil
}
