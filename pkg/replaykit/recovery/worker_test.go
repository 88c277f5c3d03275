package recovery_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
	"github.com/randalmurphal/replaykit/pkg/replaykit/recovery"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

type tokenStub struct{}

func (tokenStub) EnsureValidToken(context.Context) bool { return true }

func (tokenStub) CurrentUploadToken() (string, bool) { return "tok", true }

// recoveryBackend accepts the full handshake and records what arrived.
type recoveryBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	requests  []string
	failWith  int
	endedIDs  []string
	endedWith []transport.EndSessionRequest
}

func newRecoveryBackend(t *testing.T) *recoveryBackend {
	b := &recoveryBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/presign", func(w http.ResponseWriter, r *http.Request) {
		var req transport.PresignRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.requests = append(b.requests, fmt.Sprintf("presign %s/%d", req.SessionID, req.BatchNumber))
		failWith := b.failWith
		b.mu.Unlock()
		if failWith != 0 {
			http.Error(w, "induced failure", failWith)
			return
		}
		json.NewEncoder(w).Encode(transport.PresignResponse{
			PresignedURL: b.srv.URL + "/put",
			BatchID:      fmt.Sprintf("%s-%d", req.SessionID, req.BatchNumber),
		})
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, "put")
		b.mu.Unlock()
	})
	mux.HandleFunc("/batch/complete", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, "complete")
		b.mu.Unlock()
	})
	mux.HandleFunc("/session/end", func(w http.ResponseWriter, r *http.Request) {
		var req transport.EndSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.requests = append(b.requests, "end "+req.SessionID)
		b.endedIDs = append(b.endedIDs, req.SessionID)
		b.endedWith = append(b.endedWith, req)
		b.mu.Unlock()
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *recoveryBackend) setFailWith(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = status
}

func (b *recoveryBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *recoveryBackend) endedSessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.endedIDs...)
}

func fastSettings() config.RecoverySettings {
	return config.RecoverySettings{
		GracePeriod:    config.Duration(60 * time.Second),
		MaxAttempts:    2,
		InitialBackoff: config.Duration(time.Millisecond),
	}
}

func newWorker(t *testing.T, st store.Store, backend *recoveryBackend,
	opts ...recovery.Option) (*recovery.Worker, *recovery.GoScheduler) {
	t.Helper()
	client := transport.NewClient(backend.srv.URL, "user-1", tokenStub{}, 5*time.Second)
	sched := recovery.NewGoScheduler(context.Background())
	t.Cleanup(sched.Stop)
	return recovery.NewWorker(st, client, sched, fastSettings(), opts...), sched
}

func strandedSession(t *testing.T, st store.Store, sessionID string, batches int) {
	t.Helper()
	for i := 1; i <= batches; i++ {
		require.NoError(t, st.Save(&store.Batch{
			SessionID:   sessionID,
			ContentType: store.ContentEvents,
			BatchNumber: i,
			Compressed:  []byte{0x1f, byte(i)},
		}))
	}
	require.NoError(t, st.SaveMarker(store.Marker{
		SessionID:             sessionID,
		SessionStartTime:      time.Now().Add(-10 * time.Minute).UTC(),
		TotalBackgroundTimeMs: 2500,
		UpdatedAt:             time.Now().Add(-5 * time.Minute).UTC(),
	}))
}

func TestRunRecoveryDeliversStrandedSession(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)
	strandedSession(t, st, "sess-dead", 2)

	w, _ := newWorker(t, st, backend)
	recovered := w.RunRecovery(context.Background())
	assert.Equal(t, 1, recovered)

	// Both batches shipped, then the terminal signal.
	b := backend
	b.mu.Lock()
	log := append([]string(nil), b.requests...)
	b.mu.Unlock()
	assert.Equal(t, []string{
		"presign sess-dead/1", "put", "complete",
		"presign sess-dead/2", "put", "complete",
		"end sess-dead",
	}, log)

	// Background time from the marker rode along with the end signal.
	b.mu.Lock()
	require.Len(t, b.endedWith, 1)
	assert.Equal(t, int64(2500), b.endedWith[0].TotalBackgroundTimeMs)
	b.mu.Unlock()

	// All local artifacts are gone.
	sessions, err := st.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRunRecoverySkipsFreshMarker(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)

	require.NoError(t, st.Save(&store.Batch{
		SessionID: "sess-live", ContentType: store.ContentEvents,
		BatchNumber: 1, Compressed: []byte("x"),
	}))
	require.NoError(t, st.SaveMarker(store.Marker{
		SessionID: "sess-live",
		UpdatedAt: time.Now().UTC(),
	}))

	w, _ := newWorker(t, st, backend)
	recovered := w.RunRecovery(context.Background())

	assert.Zero(t, recovered)
	assert.Zero(t, backend.requestCount(), "fresh sessions are left alone")

	infos, _ := st.ListPending("sess-live")
	assert.Len(t, infos, 1, "data untouched")
}

func TestRunRecoverySkipsLiveSessions(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)
	strandedSession(t, st, "sess-owned", 1)

	w, _ := newWorker(t, st, backend, recovery.WithLiveSessions(func() []string {
		return []string{"sess-owned"}
	}))
	recovered := w.RunRecovery(context.Background())

	assert.Zero(t, recovered)
	assert.Zero(t, backend.requestCount())
}

func TestRunRecoveryWithoutMarkerFlushesOnly(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)

	// Leftover payload whose end was already acknowledged: marker gone.
	require.NoError(t, st.Save(&store.Batch{
		SessionID: "sess-tail", ContentType: store.ContentEvents,
		BatchNumber: 7, Compressed: []byte("x"),
	}))

	w, _ := newWorker(t, st, backend)
	recovered := w.RunRecovery(context.Background())
	assert.Equal(t, 1, recovered)

	// No second end signal for an already-ended session.
	assert.Empty(t, backend.endedSessions())

	sessions, _ := st.ListSessions()
	assert.Empty(t, sessions)
}

func TestRunRecoveryFailureKeepsData(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)
	backend.setFailWith(http.StatusInternalServerError)
	strandedSession(t, st, "sess-dead", 1)

	w, _ := newWorker(t, st, backend)
	recovered := w.RunRecovery(context.Background())
	assert.Zero(t, recovered)

	// Retries happened, then gave up; everything stays for next pass.
	assert.Equal(t, 2, backend.requestCount(), "one presign per attempt")
	infos, _ := st.ListPending("sess-dead")
	assert.Len(t, infos, 1)
	_, err := st.LoadMarker("sess-dead")
	assert.NoError(t, err)
}

func TestRunRecoveryMultipleSessions(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)
	strandedSession(t, st, "sess-a", 1)
	strandedSession(t, st, "sess-b", 1)

	w, _ := newWorker(t, st, backend)
	recovered := w.RunRecovery(context.Background())
	assert.Equal(t, 2, recovered)
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, backend.endedSessions())
}

func TestScheduleSessionHonorsGracePeriod(t *testing.T) {
	st := store.NewMemoryStore()
	backend := newRecoveryBackend(t)

	// A marker updated moments ago: scheduled work must not race it.
	require.NoError(t, st.SaveMarker(store.Marker{
		SessionID: "sess-live",
		UpdatedAt: time.Now().UTC(),
	}))

	w, sched := newWorker(t, st, backend)
	w.ScheduleSession("sess-live")
	sched.Stop()

	assert.Zero(t, backend.requestCount())
	_, err := st.LoadMarker("sess-live")
	assert.NoError(t, err)
}

func TestGoSchedulerReplacesSessionWork(t *testing.T) {
	sched := recovery.NewGoScheduler(context.Background())
	defer sched.Stop()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	sched.ScheduleSessionWork("sess-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	// Re-registering the same id cancels the outstanding task.
	done := make(chan struct{})
	sched.ScheduleSessionWork("sess-1", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("previous session work was not cancelled on replace")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement work never ran")
	}
}

func TestGoSchedulerStopCancelsAll(t *testing.T) {
	sched := recovery.NewGoScheduler(context.Background())

	running := make(chan struct{})
	finished := make(chan struct{})
	sched.ScheduleRecovery(func(ctx context.Context) {
		close(running)
		<-ctx.Done()
		close(finished)
	})
	<-running

	sched.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel and wait for running work")
	}
}
