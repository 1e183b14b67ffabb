// Package observability provides structured logging, metrics, and
// tracing for the state core.
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
)

// EnrichLogger adds event-processing context to a logger.
// Returns a new logger with room_id, event_id, and stage fields.
func EnrichLogger(logger *slog.Logger, roomID, eventID, stage string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("room_id", roomID),
		slog.String("event_id", eventID),
		slog.String("stage", stage),
	)
}

// LogEventAccepted logs an event entering the pipeline.
func LogEventAccepted(logger *slog.Logger, roomID, eventID string) {
	if logger == nil {
		return
	}
	logger.Info("event accepted",
		slog.String("room_id", roomID),
		slog.String("event_id", eventID),
	)
}

// LogStageTransition logs an event moving between pipeline stages.
func LogStageTransition(logger *slog.Logger, eventID, from, to string) {
	if logger == nil {
		return
	}
	logger.Debug("stage transition",
		slog.String("event_id", eventID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogEventCompleted logs successful pipeline completion.
func LogEventCompleted(logger *slog.Logger, eventID string, durationMs float64, retries int) {
	if logger == nil {
		return
	}
	logger.Info("event completed",
		slog.String("event_id", eventID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("retries", retries),
	)
}

// LogEventRejected logs terminal rejection with its reason. The
// reason is the operator's only trace of why an event vanished, so it
// is always recorded at warn level.
func LogEventRejected(logger *slog.Logger, eventID, stage, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("event_id", eventID),
		slog.String("stage", stage),
		slog.String("reason", reason),
	)
}

// LogDependencyRetry logs a dependency-wait reschedule.
func LogDependencyRetry(logger *slog.Logger, eventID string, missing []string, attempt int, delayMs int64) {
	if logger == nil {
		return
	}
	logger.Debug("waiting for missing dependencies",
		slog.String("event_id", eventID),
		slog.Int("missing", len(missing)),
		slog.Int("attempt", attempt),
		slog.Int64("delay_ms", delayMs),
	)
}

// LogResolution logs one conflict-resolution invocation.
func LogResolution(logger *slog.Logger, roomID string, conflicted int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("state resolution completed",
		slog.String("room_id", roomID),
		slog.Int("conflicted_keys", conflicted),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSwallowedFailure logs a fire-and-forget failure (federation
// delivery, notification emission). Never escalates.
func LogSwallowedFailure(logger *slog.Logger, what, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("non-fatal failure swallowed",
		slog.String("operation", what),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}
