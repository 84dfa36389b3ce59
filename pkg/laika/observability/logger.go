// Package observability provides production-grade observability features
// for the dispatcher: structured logging, metrics, and distributed tracing.
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

// EnrichLogger adds dispatch context to a logger, returning a new logger
// carrying the correlation key and rule ID fields.
func EnrichLogger(logger *slog.Logger, key, ruleID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("key", key),
		slog.String("rule_id", ruleID),
	)
}

// LogIngest logs a record's arrival and classification result.
func LogIngest(logger *slog.Logger, source string, matchedTypes []string) {
	if logger == nil {
		return
	}
	logger.Debug("record ingested",
		slog.String("source", source),
		slog.Any("matched_types", matchedTypes),
	)
}

// LogMatchMiss logs a record that matched no configured event type.
func LogMatchMiss(logger *slog.Logger, source string) {
	if logger == nil {
		return
	}
	logger.Warn("record matched no event type",
		slog.String("source", source),
	)
}

// LogRuleFired logs a rule firing and its delivery target.
func LogRuleFired(logger *slog.Logger, ruleID, key, targetID string) {
	if logger == nil {
		return
	}
	logger.Info("rule fired",
		slog.String("rule_id", ruleID),
		slog.String("key", key),
		slog.String("target_id", targetID),
	)
}

// LogRuleSuppressed logs a rule whose requirement is satisfied but whose
// script vetoed the firing (returned null/undefined).
func LogRuleSuppressed(logger *slog.Logger, ruleID, key string) {
	if logger == nil {
		return
	}
	logger.Debug("rule suppressed by filter_extract",
		slog.String("rule_id", ruleID),
		slog.String("key", key),
	)
}

// LogScriptError logs a script compile or runtime failure.
func LogScriptError(logger *slog.Logger, ruleID, phase string, err error) {
	if logger == nil {
		return
	}
	logger.Error("script error",
		slog.String("rule_id", ruleID),
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}

// LogTemplateError logs a template rendering failure.
func LogTemplateError(logger *slog.Logger, ruleID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("template error",
		slog.String("rule_id", ruleID),
		slog.String("error", err.Error()),
	)
}

// LogDelivery logs a target delivery attempt outcome.
func LogDelivery(logger *slog.Logger, targetID string, attempt int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("delivery attempt failed",
			slog.String("target_id", targetID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("delivery succeeded",
		slog.String("target_id", targetID),
		slog.Int("attempt", attempt),
	)
}

// LogDeadLetter logs a delivery that exhausted retries and was parked.
func LogDeadLetter(logger *slog.Logger, ruleID, key, targetID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("delivery dead-lettered",
		slog.String("rule_id", ruleID),
		slog.String("key", key),
		slog.String("target_id", targetID),
		slog.String("error", err.Error()),
	)
}

// LogTimerScheduled logs a timer scheduled for a rule.
func LogTimerScheduled(logger *slog.Logger, ruleID, key string, fireAtMs int64) {
	if logger == nil {
		return
	}
	logger.Debug("timer scheduled",
		slog.String("rule_id", ruleID),
		slog.String("key", key),
		slog.Int64("fire_at_ms", fireAtMs),
	)
}

// LogContextEvicted logs a context reclaimed by the time-to-idle sweep.
func LogContextEvicted(logger *slog.Logger, key string, idleFor time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("context evicted by time-to-idle sweep",
		slog.String("key", key),
		slog.Duration("idle_for", idleFor),
	)
}

// LogStoreError logs a Context Store failure.
func LogStoreError(logger *slog.Logger, key, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("store error",
		slog.String("key", key),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation. Returns a function
// that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
