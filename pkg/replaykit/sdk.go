// Package replaykit is the session-observability reliability core: a
// capture decision engine, a durable payload store, an upload pipeline
// with persist-before-upload semantics, a background durability worker,
// and a crash capture path that survives process death.
//
// All state lives on an SDK instance constructed with New; there are no
// package-level singletons. The host supplies the providers the core
// cannot own: upload tokens, connectivity, and device identity.
package replaykit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/replaykit/pkg/replaykit/capture"
	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
	"github.com/randalmurphal/replaykit/pkg/replaykit/crash"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/pipeline"
	"github.com/randalmurphal/replaykit/pkg/replaykit/recovery"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
	"github.com/randalmurphal/replaykit/pkg/replaykit/transport"
)

// Host-supplied provider contracts, re-exported so callers only import
// this package.
type (
	// TokenProvider supplies upload tokens and refreshes them out of
	// band after an auth failure.
	TokenProvider = transport.TokenProvider

	// ConnectivityProvider reports whether the network is reachable.
	ConnectivityProvider = pipeline.ConnectivityProvider

	// DeviceInfoProvider supplies device identifiers attached to crash
	// reports.
	DeviceInfoProvider = crash.DeviceInfoProvider
)

// sessionPointerFile is the persisted current-session pointer the
// crash handler reads at fault time. It must never depend on in-memory
// session state, which may already be torn down when a fault fires.
const sessionPointerFile = "current_session"

// SDK is one instance of the reliability core. Construct it once per
// process with New, call Start at launch, and Close on shutdown.
type SDK struct {
	rootDir  string
	settings config.Settings
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager

	network ConnectivityProvider
	tokens  TokenProvider
	device  DeviceInfoProvider
	prev    crash.PrevHandler

	payloads   store.Store
	ownedDisk  bool
	client     *transport.Client
	pipe       *pipeline.Pipeline
	worker     *recovery.Worker
	sched      recovery.Scheduler
	ownedSched *recovery.GoScheduler
	crashStore crash.ReportStore
	handler    *crash.Handler

	mu      sync.Mutex
	current *Session
	closed  bool
}

// Session couples the capture decision engine with the serialized
// upload context for one recording session.
type Session struct {
	// Engine decides, per frame opportunity, whether to render now,
	// defer, or reuse the last frame. Single-consumer; call it from
	// the capture goroutine only.
	Engine *capture.Engine

	// Uploads accepts batches and delivers them with
	// persist-before-upload semantics.
	Uploads *pipeline.Session
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.Uploads.ID() }

// New creates an SDK instance rooted at rootDir. The directory holds
// the payload store, the crash report database, and the
// current-session pointer; it is created if missing.
func New(rootDir, baseURL, userID string, tokens TokenProvider, opts ...Option) (*SDK, error) {
	if tokens == nil {
		return nil, errors.New("replaykit: token provider is required")
	}
	sdk := &SDK{
		rootDir:  rootDir,
		settings: config.Default(),
		metrics:  observability.NewMetricsRecorder(),
		spans:    observability.NewSpanManager(),
		network:  alwaysConnected{},
	}
	for _, opt := range opts {
		opt(sdk)
	}
	sdk.tokens = tokens

	if err := sdk.settings.Validate(); err != nil {
		return nil, fmt.Errorf("replaykit: %w", err)
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("replaykit: create root dir: %w", err)
	}

	if sdk.payloads == nil {
		disk, err := store.NewDiskStore(filepath.Join(rootDir, "payloads"))
		if err != nil {
			return nil, err
		}
		sdk.payloads = disk
		sdk.ownedDisk = true
	}

	if sdk.crashStore == nil {
		cs, err := crash.NewSQLiteStore(filepath.Join(rootDir, "crash_reports.db"))
		if err != nil {
			if sdk.ownedDisk {
				sdk.payloads.Close()
			}
			return nil, err
		}
		sdk.crashStore = cs
	}

	if sdk.sched == nil {
		sdk.ownedSched = recovery.NewGoScheduler(context.Background())
		sdk.sched = sdk.ownedSched
	}

	sdk.client = transport.NewClient(baseURL, userID, tokens, sdk.settings.Pipeline.RequestTimeout.Std())
	sdk.pipe = pipeline.New(sdk.payloads, sdk.client, tokens, sdk.network, sdk.settings.Pipeline,
		pipeline.WithLogger(sdk.logger),
		pipeline.WithMetrics(sdk.metrics),
		pipeline.WithSpans(sdk.spans),
	)
	sdk.worker = recovery.NewWorker(sdk.payloads, sdk.client, sdk.sched, sdk.settings.Recovery,
		recovery.WithLogger(sdk.logger),
		recovery.WithMetrics(sdk.metrics),
		recovery.WithLiveSessions(sdk.pipe.SessionIDs),
	)
	sdk.handler = crash.NewHandler(sdk.crashStore, sdk.device,
		func() string { return readSessionPointer(rootDir) }, sdk.prev, sdk.logger)
	return sdk, nil
}

// Start runs the launch-time duties: upload any crash report left by a
// previous process, then register the recovery unit that replays
// stranded payloads. Call it once, after New.
func (s *SDK) Start(ctx context.Context) {
	s.recoverCrashReports(ctx)
	s.worker.Start()
}

// StartSession begins a new recording session. Any current session
// stays open; callers that want rotation end the old one first.
func (s *SDK) StartSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("replaykit: SDK closed")
	}

	id := uuid.New().String()
	if err := writeSessionPointer(s.rootDir, id); err != nil {
		return nil, err
	}
	sess := &Session{
		Engine:  capture.NewEngine(s.settings.Capture),
		Uploads: s.pipe.Session(id, time.Now().UTC()),
	}
	s.worker.ScheduleSession(id)
	s.current = sess
	return sess, nil
}

// CurrentSession returns the active session, or nil when none is open.
func (s *SDK) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// EndSession flushes and closes the current session. It returns false
// when the end handshake did not complete; persisted payloads stay on
// disk and the durability worker finishes delivery after the grace
// period.
func (s *SDK) EndSession(ctx context.Context, metrics map[string]any) bool {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()
	if sess == nil {
		return true
	}

	clearSessionPointer(s.rootDir, sess.ID())
	ok := sess.Uploads.EndSession(ctx, metrics)
	if !ok {
		s.worker.ScheduleSession(sess.ID())
	}
	return ok
}

// Recover is the panic install point. Defer it at the top of every
// goroutine whose faults should produce crash reports:
//
//	defer sdk.Recover()
//
// recover only works in a directly deferred function, so this cannot
// delegate to the handler's own Recover.
func (s *SDK) Recover() {
	if r := recover(); r != nil {
		s.handler.HandlePanic(r, debug.Stack())
		panic(r)
	}
}

// Handler exposes the fault handler for hosts that install it into
// their own panic plumbing.
func (s *SDK) Handler() *crash.Handler { return s.handler }

// ReportANR records an unresponsive-thread report against the current
// session and persists it durably.
func (s *SDK) ReportANR(threadName, message, stack string) {
	s.handler.ReportANR(readSessionPointer(s.rootDir), threadName, message, stack)
}

// ClearBillingHold lifts the sticky halt set by a payment-required
// response. Call it after a configuration re-fetch confirms the
// account is in good standing.
func (s *SDK) ClearBillingHold() { s.pipe.ClearBillingHold() }

// Pipeline exposes the upload pipeline, mainly for crash report
// delivery and diagnostics.
func (s *SDK) Pipeline() *pipeline.Pipeline { return s.pipe }

// Worker exposes the durability worker so hosts can trigger an
// immediate recovery pass, for example on connectivity restoration.
func (s *SDK) Worker() *recovery.Worker { return s.worker }

// Close shuts the instance down. Open sessions are not ended; their
// payloads stay persisted for the next launch.
func (s *SDK) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.current = nil
	s.mu.Unlock()

	s.pipe.Close()
	if s.ownedSched != nil {
		s.ownedSched.Stop()
	}
	return errors.Join(s.crashStore.Close(), s.payloads.Close())
}

// recoverCrashReports drains reports persisted by a previous process.
// Delivery failures are permanent: LoadAndClear already consumed the
// report, and the pipeline logged the loss.
func (s *SDK) recoverCrashReports(ctx context.Context) {
	for {
		pending, err := s.crashStore.HasPendingReport()
		if err != nil || !pending {
			return
		}
		report, err := s.crashStore.LoadAndClear()
		if err != nil || report == nil {
			return
		}
		if report.Kind == crash.KindANR {
			s.pipe.UploadANRReport(ctx, report)
		} else {
			s.pipe.UploadCrashReport(ctx, report)
		}
	}
}

// alwaysConnected is the default connectivity provider for hosts that
// do not track network state.
type alwaysConnected struct{}

func (alwaysConnected) IsConnected() bool { return true }

// writeSessionPointer durably records the current session id. The
// write is temp-file plus fsync plus rename so the pointer is never
// observed half-written.
func writeSessionPointer(rootDir, sessionID string) error {
	path := filepath.Join(rootDir, sessionPointerFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("replaykit: write session pointer: %w", err)
	}
	if _, err := f.WriteString(sessionID); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("replaykit: write session pointer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("replaykit: sync session pointer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replaykit: close session pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replaykit: rename session pointer: %w", err)
	}
	return nil
}

// readSessionPointer returns the persisted current session id, or ""
// when none is recorded.
func readSessionPointer(rootDir string) string {
	data, err := os.ReadFile(filepath.Join(rootDir, sessionPointerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// clearSessionPointer removes the pointer only if it still names the
// given session. A newer session's pointer is left alone.
func clearSessionPointer(rootDir, sessionID string) {
	if readSessionPointer(rootDir) == sessionID {
		os.Remove(filepath.Join(rootDir, sessionPointerFile))
	}
}
