package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/pipeline"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

// Option configures optional worker collaborators.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLiveSessions supplies the ids of sessions currently owned by
// this process. They are skipped regardless of marker age.
func WithLiveSessions(fn func() []string) Option {
	return func(w *Worker) { w.liveSessions = fn }
}

// Worker replays whatever the store still holds after process
// restarts. It owns its own Sender; no lock or queue is shared with
// the foreground pipeline.
type Worker struct {
	store    store.Store
	sender   *pipeline.Sender
	sched    Scheduler
	settings config.RecoverySettings

	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	liveSessions func() []string
	now          func() time.Time
}

// NewWorker creates a durability worker using its own sender over the
// given store and client.
func NewWorker(st store.Store, client *transport.Client, sched Scheduler,
	settings config.RecoverySettings, opts ...Option) *Worker {
	w := &Worker{
		store:    st,
		sched:    sched,
		settings: settings,
		metrics:  observability.NoopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sender = pipeline.NewSender(st, client, w.logger, w.metrics, observability.NoopSpanManager{})
	return w
}

// Start registers the reserved recovery unit with the scheduler; it
// runs at launch, independent of any live session.
func (w *Worker) Start() {
	w.sched.ScheduleRecovery(func(ctx context.Context) {
		w.RunRecovery(ctx)
	})
}

// ScheduleSession registers durable per-session work. Re-registering
// for the same session replaces, rather than duplicates, outstanding
// work. The task still honors the grace period, so scheduling a live
// session is safe.
func (w *Worker) ScheduleSession(sessionID string) {
	w.sched.ScheduleSessionWork(sessionID, func(ctx context.Context) {
		if w.liveSessions != nil {
			for _, id := range w.liveSessions() {
				if id == sessionID {
					return
				}
			}
		}
		if age, fresh := w.markerAge(sessionID); fresh {
			observability.LogRecoverySkipped(w.logger, sessionID, age)
			return
		}
		w.recoverWithRetry(ctx, sessionID)
	})
}

// RunRecovery performs one full pass: every session directory is
// replayed unless its marker is fresh enough to belong to a live
// process. Returns the number of sessions fully recovered.
func (w *Worker) RunRecovery(ctx context.Context) int {
	sessions, err := w.store.ListSessions()
	if err != nil {
		if w.logger != nil {
			w.logger.Error("recovery enumeration failed", slog.String("error", err.Error()))
		}
		return 0
	}
	observability.LogRecoveryStart(w.logger, len(sessions))

	live := make(map[string]bool)
	if w.liveSessions != nil {
		for _, id := range w.liveSessions() {
			live[id] = true
		}
	}

	recovered := 0
	for _, sessionID := range sessions {
		if ctx.Err() != nil {
			return recovered
		}
		if live[sessionID] {
			observability.LogRecoverySkipped(w.logger, sessionID, 0)
			continue
		}
		if age, fresh := w.markerAge(sessionID); fresh {
			// A marker updated within the grace period likely belongs
			// to a live foreground session; racing it would duplicate
			// or corrupt in-flight batches.
			observability.LogRecoverySkipped(w.logger, sessionID, age)
			continue
		}
		if w.recoverWithRetry(ctx, sessionID) {
			recovered++
		}
	}
	return recovered
}

// markerAge returns the marker's age and whether it is within the
// grace period. A missing marker is never fresh.
func (w *Worker) markerAge(sessionID string) (time.Duration, bool) {
	marker, err := w.store.LoadMarker(sessionID)
	if err != nil {
		return 0, false
	}
	age := w.now().Sub(marker.UpdatedAt)
	return age, age < w.settings.GracePeriod.Std()
}

// recoverWithRetry replays one session with exponential backoff and a
// capped attempt count. Exhausting retries is reported, not silent:
// the data stays on disk for the next recovery pass.
func (w *Worker) recoverWithRetry(ctx context.Context, sessionID string) bool {
	done := observability.TimedOperation()
	cfg := rkerrors.RetryConfig{
		MaxAttempts:    w.settings.MaxAttempts,
		InitialBackoff: w.settings.InitialBackoff.Std(),
		MaxBackoff:     2 * time.Minute,
		BackoffFactor:  2.0,
		Jitter:         0.2,
	}

	result := rkerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.recoverSession(ctx, sessionID)
	})

	success := result.Err == nil
	w.metrics.RecordRecovery(ctx, success, time.Duration(done())*time.Millisecond)
	observability.LogRecoveryResult(w.logger, sessionID, result.Err, result.Attempts)
	return success
}

// recoverSession replays the pending payloads as a final batch, then
// attempts the end-session signal, then deletes local artifacts only
// on success. A session whose marker is already gone had its end
// acknowledged earlier, so only leftovers are flushed.
func (w *Worker) recoverSession(ctx context.Context, sessionID string) error {
	marker, err := w.store.LoadMarker(sessionID)
	hasMarker := err == nil
	if err != nil && err != store.ErrNotFound {
		return err
	}

	if _, err := w.sender.FlushSession(ctx, sessionID, marker.SessionStartTime); err != nil {
		return err
	}

	if hasMarker {
		if err := w.sender.SendEnd(ctx, transport.EndSessionRequest{
			SessionID:             sessionID,
			EndedAt:               marker.UpdatedAt,
			TotalBackgroundTimeMs: marker.TotalBackgroundTimeMs,
		}); err != nil {
			return err
		}
	}

	return w.store.DeleteSession(sessionID)
}
