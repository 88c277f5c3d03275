// Package observability provides production-grade observability for
// replaykit: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds session context to a logger.
// Returns a new logger with session_id, content_type, and batch fields.
func EnrichLogger(logger *slog.Logger, sessionID, contentType string, batchNumber int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("session_id", sessionID),
		slog.String("content_type", contentType),
		slog.Int("batch_number", batchNumber),
	)
}

// LogBatchPersisted logs a batch reaching stable storage.
func LogBatchPersisted(logger *slog.Logger, sessionID string, batchNumber int, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("batch persisted",
		slog.String("session_id", sessionID),
		slog.Int("batch_number", batchNumber),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogBatchDelivered logs a batch acknowledged by the backend.
func LogBatchDelivered(logger *slog.Logger, sessionID string, batchNumber int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("batch delivered",
		slog.String("session_id", sessionID),
		slog.Int("batch_number", batchNumber),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogUploadError logs an upload attempt failure.
func LogUploadError(logger *slog.Logger, sessionID string, batchNumber int, err error) {
	if logger == nil {
		return
	}
	logger.Error("upload failed",
		slog.String("session_id", sessionID),
		slog.Int("batch_number", batchNumber),
		slog.String("error", err.Error()),
	)
}

// LogPersistError logs a disk-write failure in the durable store.
// This is the one path where telemetry can be lost, so it always logs
// at error level.
func LogPersistError(logger *slog.Logger, sessionID string, batchNumber int, err error) {
	if logger == nil {
		return
	}
	logger.Error("persist failed",
		slog.String("session_id", sessionID),
		slog.Int("batch_number", batchNumber),
		slog.String("error", err.Error()),
	)
}

// LogBreakerOpen logs the circuit breaker opening for a session.
func LogBreakerOpen(logger *slog.Logger, sessionID string, failures int) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker opened",
		slog.String("session_id", sessionID),
		slog.Int("consecutive_failures", failures),
	)
}

// LogBillingBlocked logs the sticky billing halt engaging.
func LogBillingBlocked(logger *slog.Logger, sessionID string) {
	if logger == nil {
		return
	}
	logger.Warn("uploads halted: billing blocked",
		slog.String("session_id", sessionID),
	)
}

// LogRecoveryStart logs a recovery pass beginning.
func LogRecoveryStart(logger *slog.Logger, sessionCount int) {
	if logger == nil {
		return
	}
	logger.Info("recovery pass starting",
		slog.Int("sessions", sessionCount),
	)
}

// LogRecoverySkipped logs a session skipped because its marker is fresh.
func LogRecoverySkipped(logger *slog.Logger, sessionID string, age time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("recovery skipped live session",
		slog.String("session_id", sessionID),
		slog.Float64("marker_age_seconds", age.Seconds()),
	)
}

// LogRecoveryResult logs the outcome of recovering one session.
// Exhausting retries is a reported failure, never a silent one.
func LogRecoveryResult(logger *slog.Logger, sessionID string, err error, attempts int) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("session recovery failed, data kept for next pass",
			slog.String("session_id", sessionID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("session recovered",
		slog.String("session_id", sessionID),
		slog.Int("attempts", attempts),
	)
}

// LogCrashReportSaved logs the crash handler completing its durable write.
func LogCrashReportSaved(logger *slog.Logger, fingerprint string, sessionID string) {
	if logger == nil {
		return
	}
	logger.Error("crash report persisted",
		slog.String("fingerprint", fingerprint),
		slog.String("session_id", sessionID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
