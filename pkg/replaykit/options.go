package replaykit

import (
	"log/slog"

	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
	"github.com/randalmurphal/replaykit/pkg/replaykit/crash"
	"github.com/randalmurphal/replaykit/pkg/replaykit/observability"
	"github.com/randalmurphal/replaykit/pkg/replaykit/recovery"
	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
)

// Option configures an SDK instance at construction time.
type Option func(*SDK)

// WithSettings replaces the default configuration tree. Validate is
// called by New; invalid settings fail construction.
func WithSettings(settings config.Settings) Option {
	return func(s *SDK) { s.settings = settings }
}

// WithLogger sets the structured logger. Without it the SDK is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SDK) { s.logger = logger }
}

// WithMetrics replaces the default OpenTelemetry metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *SDK) { s.metrics = m }
}

// WithSpans replaces the default OpenTelemetry span manager.
func WithSpans(sm observability.SpanManager) Option {
	return func(s *SDK) { s.spans = sm }
}

// WithConnectivity sets the network reachability provider. The default
// assumes the network is always reachable.
func WithConnectivity(c ConnectivityProvider) Option {
	return func(s *SDK) { s.network = c }
}

// WithDeviceInfo sets the provider whose identifiers are attached to
// crash reports.
func WithDeviceInfo(d DeviceInfoProvider) Option {
	return func(s *SDK) { s.device = d }
}

// WithScheduler replaces the in-process goroutine scheduler, for hosts
// that bridge to a platform task scheduler.
func WithScheduler(sched recovery.Scheduler) Option {
	return func(s *SDK) { s.sched = sched }
}

// WithPreviousCrashHandler chains an existing fault handler. It is
// invoked after every report is persisted.
func WithPreviousCrashHandler(prev crash.PrevHandler) Option {
	return func(s *SDK) { s.prev = prev }
}

// WithPayloadStore replaces the disk-backed payload store. Tests use
// this with the in-memory store.
func WithPayloadStore(st store.Store) Option {
	return func(s *SDK) { s.payloads = st }
}

// WithCrashStore replaces the SQLite crash report store.
func WithCrashStore(cs crash.ReportStore) Option {
	return func(s *SDK) { s.crashStore = cs }
}
