package crash

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
)

// DeviceInfoProvider supplies device identifiers for reports.
// Implemented by the host; device identity is out of scope here.
type DeviceInfoProvider interface {
	DeviceInfo() map[string]string
}

// SessionResolver returns the owning session id for a fault. It must
// read from a separately persisted current-session pointer, never from
// in-memory session state, which may already be torn down when the
// fault fires.
type SessionResolver func() string

// PrevHandler is the handler that was installed before ours. It is
// always re-invoked after the report is persisted so platform-level
// crash reporting still occurs.
type PrevHandler func(recovered any, stack []byte)

// Handler is the process-wide fault handler. It runs synchronously on
// the faulting goroutine, completes a durable write, then chains to
// the previous handler. It never panics itself.
type Handler struct {
	store   ReportStore
	device  DeviceInfoProvider
	session SessionResolver
	prev    PrevHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a fault handler. prev may be nil. logger may be
// nil to disable logging.
func NewHandler(store ReportStore, device DeviceInfoProvider, session SessionResolver, prev PrevHandler, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		device:  device,
		session: session,
		prev:    prev,
		logger:  logger,
		now:     time.Now,
	}
}

// Recover is the install point: defer it at the top of every goroutine
// the SDK owns (and offer it to the host for theirs).
//
//	defer handler.Recover()
//
// On a panic it persists a report synchronously and then re-panics so
// the runtime's own crash path still runs.
func (h *Handler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	h.HandlePanic(r, stack)
	panic(r)
}

// HandlePanic builds and durably persists a crash report. No
// asynchronous hops: the process may be killed immediately after this
// returns. Any internal failure is caught and logged; the previous
// handler is invoked regardless.
func (h *Handler) HandlePanic(recovered any, stack []byte) {
	func() {
		// The handler must never double-fault the host application.
		defer func() {
			if r := recover(); r != nil && h.logger != nil {
				h.logger.Error("crash handler internal fault",
					slog.Any("fault", r))
			}
		}()
		h.persistReport(KindCrash, recovered, stack)
	}()

	if h.prev != nil {
		h.prev(recovered, stack)
	}
}

// ReportANR persists an application-not-responding report for the
// given session. Unlike HandlePanic the process is expected to
// survive, but the write is still synchronous.
func (h *Handler) ReportANR(sessionID, threadName, message, stack string) {
	defer func() {
		if r := recover(); r != nil && h.logger != nil {
			h.logger.Error("crash handler internal fault", slog.Any("fault", r))
		}
	}()

	report := &Report{
		Kind:          KindANR,
		Timestamp:     h.now().UTC(),
		SessionID:     sessionID,
		ThreadName:    threadName,
		ExceptionType: "ANR",
		Message:       message,
		StackTrace:    stack,
		Fingerprint:   Fingerprint("ANR", stack),
	}
	if h.device != nil {
		report.DeviceInfo = h.device.DeviceInfo()
	}
	if err := h.store.Save(report); err != nil && h.logger != nil {
		h.logger.Error("anr report persist failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) persistReport(kind string, recovered any, stack []byte) {
	stackText := string(stack)
	exceptionType := fmt.Sprintf("%T", recovered)
	message := fmt.Sprintf("%v", recovered)

	report := &Report{
		Kind:          kind,
		Timestamp:     h.now().UTC(),
		ThreadName:    threadNameFromStack(stackText),
		ExceptionType: exceptionType,
		Message:       message,
		StackTrace:    stackText,
		Fingerprint:   Fingerprint(exceptionType, stackText),
	}
	if h.session != nil {
		report.SessionID = h.session()
	}
	if h.device != nil {
		report.DeviceInfo = h.device.DeviceInfo()
	}

	if err := h.store.Save(report); err != nil {
		if h.logger != nil {
			h.logger.Error("crash report persist failed",
				slog.String("error", err.Error()))
		}
		return
	}
	observability.LogCrashReportSaved(h.logger, report.Fingerprint, report.SessionID)
}

// threadNameFromStack extracts the goroutine header line, e.g.
// "goroutine 18 [running]".
func threadNameFromStack(stack string) string {
	line, _, found := strings.Cut(stack, "\n")
	if !found || !strings.HasPrefix(line, "goroutine") {
		return "goroutine"
	}
	return strings.TrimSuffix(strings.TrimSpace(line), ":")
}
