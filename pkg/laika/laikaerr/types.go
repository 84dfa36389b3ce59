// Package laikaerr provides the typed error kinds the core raises, their
// retry categorization, and a generic backoff-with-jitter retry helper.
package laikaerr

import "fmt"

// ConfigError indicates a problem in the loaded configuration: schema
// violations, a rule referencing an unknown target or event type, or an
// unparsable duration string. Always fatal at load time.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// IngestError indicates a record payload could not be parsed into its
// structured form. The record is dropped and counted.
type IngestError struct {
	Source string
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest error from %s: %s", e.Source, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// MatchMiss indicates a record matched no configured event type.
type MatchMiss struct {
	Source string
}

func (e *MatchMiss) Error() string {
	return fmt.Sprintf("no event type matched record from %s", e.Source)
}

// BadKey indicates correlation key extraction failed: the configured
// expression resolved to a missing value, null, or a non-scalar.
type BadKey struct {
	EventType string
	Expr      string
	Reason    string
}

func (e *BadKey) Error() string {
	return fmt.Sprintf("bad correlation key for event type %s (expr %q): %s", e.EventType, e.Expr, e.Reason)
}

// ScriptError covers script compilation failures (fatal at load) and
// runtime throws, timeouts, or memory-limit violations (treated as
// "do not fire", counted).
type ScriptError struct {
	RuleID string
	Phase  string // "compile", "run", "timeout", "oom"
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error in rule %s during %s: %s", e.RuleID, e.Phase, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// TemplateError covers unresolved expressions and whole-render
// serialization failures in the Template Renderer.
type TemplateError struct {
	RuleID string
	Expr   string
	Err    error
}

func (e *TemplateError) Error() string {
	if e.Expr != "" {
		return fmt.Sprintf("template error in rule %s evaluating %q: %s", e.RuleID, e.Expr, e.Err)
	}
	return fmt.Sprintf("template error in rule %s: %s", e.RuleID, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// StoreError covers Context Store failures. Transient errors (e.g. a
// momentary disk contention) are retried with backoff inside the
// Dispatcher; permanent errors crash the worker so supervision can
// restart it, relying on the commit boundary to guarantee no partial
// state was persisted.
type StoreError struct {
	Key       string
	Op        string
	Err       error
	Permanent bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error on key %s during %s: %s", e.Key, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TargetError covers delivery failures to a named target. Retried with
// exponential backoff up to a configured attempt count, then moved to a
// dead-letter counter.
type TargetError struct {
	TargetID string
	Attempt  int
	Err      error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("target error delivering to %s (attempt %d): %s", e.TargetID, e.Attempt, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }
