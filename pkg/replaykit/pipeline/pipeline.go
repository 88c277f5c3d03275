// Package pipeline orchestrates durable telemetry delivery: compress,
// persist-first, then the presign/upload/complete handshake, with
// circuit breaking and per-session ordering.
//
// All network and persistence work for one session runs on a single
// serialized queue; different sessions run fully in parallel with
// independent circuit-breaker state. A batch reaches stable storage
// before any network attempt and is removed only after the backend
// acknowledges it, giving at-least-once delivery across crashes
// between compression and acknowledgment.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
	"github.com/randalmurphal/replaykit/pkg/replaykit/crash"
	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

// ConnectivityProvider reports network reachability. Implemented by
// the host's network monitor; sensing is out of scope here.
type ConnectivityProvider interface {
	IsConnected() bool
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(p *Pipeline) { p.spans = s }
}

// Pipeline owns upload delivery for all sessions of one SDK instance.
// Construct one per SDK instance and pass it by reference; there is no
// package-level shared state.
type Pipeline struct {
	store    store.Store
	client   *transport.Client
	tokens   transport.TokenProvider
	network  ConnectivityProvider
	settings config.PipelineSettings

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	sender  *Sender

	mu       sync.Mutex
	sessions map[string]*Session

	// billingBlocked is the sticky halt set by a 402 response. It stops
	// all upload attempts until a fresh configuration fetch clears it.
	billingBlocked atomic.Bool
}

// New creates an upload pipeline.
func New(st store.Store, client *transport.Client, tokens transport.TokenProvider,
	network ConnectivityProvider, settings config.PipelineSettings, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		client:   client,
		tokens:   tokens,
		network:  network,
		settings: settings,
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sender = NewSender(st, client, p.logger, p.metrics, p.spans)
	return p
}

// Session returns the serialized upload context for a session,
// creating it (and its recovery marker) on first use.
func (p *Pipeline) Session(sessionID string, startTime time.Time) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[sessionID]; ok {
		return s
	}
	s := &Session{
		p:         p,
		id:        sessionID,
		startTime: startTime,
		queue:     newTaskQueue(),
		breaker:   NewCircuitBreaker(p.settings.BreakerThreshold, p.settings.BreakerCooldown.Std()),
		seq:       make(map[store.ContentType]int),
	}
	p.sessions[sessionID] = s

	// The marker's presence tells the recovery worker this session may
	// still be owned by a live process.
	if err := p.store.SaveMarker(store.Marker{
		SessionID:        sessionID,
		SessionStartTime: startTime,
		UpdatedAt:        time.Now().UTC(),
	}); err != nil && p.logger != nil {
		p.logger.Warn("recovery marker write failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	return s
}

// ClearBillingHold lifts the sticky billing halt. Call after a fresh
// configuration fetch confirms the account is in good standing.
func (p *Pipeline) ClearBillingHold() {
	p.billingBlocked.Store(false)
}

// BillingBlocked reports whether the sticky billing halt is engaged.
func (p *Pipeline) BillingBlocked() bool {
	return p.billingBlocked.Load()
}

// UploadCrashReport persists and ships a crash report. The session id
// is carried as explicit data on the report, never read from
// current-session state, to avoid races with a rotating session.
func (p *Pipeline) UploadCrashReport(ctx context.Context, report *crash.Report) bool {
	return p.uploadReport(ctx, report, store.ContentCrash)
}

// UploadANRReport persists and ships an ANR report.
func (p *Pipeline) UploadANRReport(ctx context.Context, report *crash.Report) bool {
	return p.uploadReport(ctx, report, store.ContentANR)
}

func (p *Pipeline) uploadReport(ctx context.Context, report *crash.Report, ct store.ContentType) bool {
	if report == nil || report.SessionID == "" {
		if p.logger != nil {
			p.logger.Warn("dropping report without session id",
				slog.String("content_type", string(ct)))
		}
		return false
	}

	payload, err := json.Marshal(report)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("report encode failed", slog.String("error", err.Error()))
		}
		return false
	}
	compressed, err := store.Compress(payload)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("report compress failed", slog.String("error", err.Error()))
		}
		return false
	}

	// Reports for dead sessions must not collide with batch numbers
	// already on disk, so the next number comes from the store.
	next := 1
	if infos, err := p.store.ListPending(report.SessionID); err == nil {
		for _, info := range infos {
			if info.ContentType == ct && info.BatchNumber >= next {
				next = info.BatchNumber + 1
			}
		}
	}

	batch := &store.Batch{
		SessionID:   report.SessionID,
		ContentType: ct,
		BatchNumber: next,
		Compressed:  compressed,
		EventCount:  1,
		CreatedAt:   time.Now().UTC(),
	}
	if !p.persist(ctx, batch) {
		return false
	}
	p.metrics.RecordCrashReport(ctx, string(ct))

	if p.billingBlocked.Load() || !p.connected() {
		return false
	}

	startTime := report.Timestamp
	if marker, err := p.store.LoadMarker(report.SessionID); err == nil {
		startTime = marker.SessionStartTime
	}

	skipped, err := p.sender.SendBatch(ctx, batch, startTime)
	if err != nil {
		p.noteFailureKind(ctx, err)
		observability.LogUploadError(p.logger, report.SessionID, batch.BatchNumber, err)
		return false
	}
	_ = skipped
	if err := p.store.Delete(batch.Info()); err != nil && p.logger != nil {
		p.logger.Warn("report cleanup failed", slog.String("error", err.Error()))
	}
	return true
}

// persist writes a batch durably, retrying the write once. A second
// failure is the single place telemetry can be lost; it is surfaced
// through the logger and a counter rather than dropped silently.
func (p *Pipeline) persist(ctx context.Context, batch *store.Batch) bool {
	err := p.store.Save(batch)
	if err != nil {
		err = p.store.Save(batch)
	}
	if err != nil {
		observability.LogPersistError(p.logger, batch.SessionID, batch.BatchNumber, err)
		p.metrics.RecordPersist(ctx, string(batch.ContentType), int64(len(batch.Compressed)), true)
		return false
	}
	observability.LogBatchPersisted(p.logger, batch.SessionID, batch.BatchNumber, len(batch.Compressed))
	p.metrics.RecordPersist(ctx, string(batch.ContentType), int64(len(batch.Compressed)), false)
	return true
}

func (p *Pipeline) connected() bool {
	return p.network == nil || p.network.IsConnected()
}

// noteFailureKind applies the sticky billing halt and the out-of-band
// token refresh for failures outside any session breaker.
func (p *Pipeline) noteFailureKind(ctx context.Context, err error) {
	switch rkerrors.Categorize(err) {
	case rkerrors.CategoryBilling:
		p.billingBlocked.Store(true)
	case rkerrors.CategoryAuth:
		go p.tokens.EnsureValidToken(context.WithoutCancel(ctx))
	}
}

// SessionIDs lists sessions with live upload contexts. The durability
// worker uses it to avoid touching sessions the pipeline still owns.
func (p *Pipeline) SessionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pipeline) removeSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// Close shuts down all session queues. In-flight work is abandoned but
// persisted payloads stay on disk for the durability worker.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.queue.close()
	}
	p.sessions = make(map[string]*Session)
}
