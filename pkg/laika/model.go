// Package laika implements the correlation and rule-evaluation engine: the
// subsystem that classifies ingested records, groups them by correlation
// key, evaluates event-set requirements and timers against the resulting
// per-key contexts, invokes an embedded script to filter and project data,
// and renders a payload template to a named target.
package laika

import "encoding/json"

// Record is an ingested, opaque payload plus the metadata a Source attaches
// to it. Source is the connector name that produced it; Received is the
// ingest timestamp in milliseconds since epoch; Raw is the original byte
// payload; Parsed is its structured JSON object tree (nil if IngestError
// occurred during parsing upstream).
type Record struct {
	Source   string
	Received int64
	Raw      []byte
	Parsed   map[string]any
}

// ClassifierKind selects how an EventType's classifier accepts records.
type ClassifierKind int

const (
	// ClassifyAll accepts every record.
	ClassifyAll ClassifierKind = iota
	// ClassifyByKey requires every (path, value) pair in Match to be
	// present in the record; a value of "*" matches any defined value.
	ClassifyByKey
)

// Classifier is the matching rule attached to an EventType.
type Classifier struct {
	Kind  ClassifierKind
	Match map[string]string // dotted JSONPath -> literal value or "*"
}

// EventType is a named label records are classified into.
type EventType struct {
	Name string

	// Source optionally names one configured source. It only matters when
	// ClassifierIsDefault is set: such a type then matches records from
	// that source alone. A type with an explicit Classifier matches
	// records from any source.
	Source string

	// Classifier selects which records belong to this type.
	Classifier Classifier

	// ClassifierIsDefault is true when the configuration omitted an
	// explicit classifier for this type. The Matcher then ignores
	// Classifier (left at its ClassifyAll zero value) and applies the
	// default classifier of the record's source, or match-all when that
	// source declares none.
	ClassifierIsDefault bool

	// CorrelationKeyExpr is a JSONPath expression evaluated against the
	// parsed record to produce the correlation key. Empty means events
	// of this type are non-correlated and get a synthetic per-event key.
	CorrelationKeyExpr string
}

// TypedEvent is a Record that has been classified and keyed.
type TypedEvent struct {
	EventType      string
	CorrelationKey string
	ReceivedMs     int64
	Parsed         map[string]any
	Raw            []byte
}

// MarshalProjection renders the event as the plain map used inside script
// and template projections.
func (e *TypedEvent) MarshalProjection() map[string]any {
	return map[string]any{
		"event_type": e.EventType,
		"received":   e.ReceivedMs,
		"key":        e.CorrelationKey,
		"data":       e.Parsed,
	}
}

// PendingTimer is one scheduled re-evaluation for a rule within a context.
type PendingTimer struct {
	RuleID          string
	FireAtMs        int64
	SequenceVersion int64
}

// Context is the durable, per-correlation-key aggregate state consumed by
// rule evaluation.
type Context struct {
	Key string

	// Sequence is every TypedEvent observed for this key, chronological
	// by ReceivedMs, ties broken by ingest order.
	Sequence []TypedEvent

	// PendingTimers are scheduled (rule, fire-at, sequence-version)
	// tuples awaiting a scheduler tick.
	PendingTimers []PendingTimer

	// RuleFired is the set of rule IDs that already fired once under
	// "exact" semantics and must not re-fire until eviction.
	RuleFired map[string]bool

	// RequirementFirstSatisfiedMs tracks, per rule, the time in
	// milliseconds since epoch at which the rule's requirement first
	// became satisfied; used to anchor "from"/"until" timing windows.
	// Keyed by rule ID.
	RequirementFirstSatisfiedMs map[string]int64

	CreatedMs     int64
	LastTouchedMs int64

	// SequenceVersion increments on every appended event; used as the
	// optimistic-concurrency token for Store.Commit. Timer bookkeeping
	// changes do not bump it.
	SequenceVersion int64
}

// NewContext returns an empty context for key, ready for its first mutation.
func NewContext(key string, nowMs int64) *Context {
	return &Context{
		Key:                         key,
		RuleFired:                   make(map[string]bool),
		RequirementFirstSatisfiedMs: make(map[string]int64),
		CreatedMs:                   nowMs,
		LastTouchedMs:               nowMs,
	}
}

// ByType returns the subsequence of Sequence whose EventType equals t, in
// original order. It is always recomputed from Sequence: by_type is a
// view, never an owning slice of back-pointers.
func (c *Context) ByType(t string) []TypedEvent {
	out := make([]TypedEvent, 0, len(c.Sequence))
	for _, e := range c.Sequence {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// TypesPresent returns the distinct set of event types present in Sequence.
func (c *Context) TypesPresent() map[string]bool {
	out := make(map[string]bool)
	for _, e := range c.Sequence {
		out[e.EventType] = true
	}
	return out
}

// IsEmpty reports whether the context has neither events nor pending
// timers and is therefore eligible for removal rather than persistence.
func (c *Context) IsEmpty() bool {
	return len(c.Sequence) == 0 && len(c.PendingTimers) == 0
}

// Append adds an event to the sequence, refreshes LastTouchedMs to the
// event's ReceivedMs, and bumps the sequence version. It does not evaluate
// requirements or timers — that is the Dispatcher's job, composing the
// Requirement Evaluator and Timer Scheduler around this mutation.
func (c *Context) Append(e TypedEvent) {
	c.Sequence = append(c.Sequence, e)
	c.LastTouchedMs = e.ReceivedMs
	c.SequenceVersion++
}

// FindPendingTimer returns the pending timer entry for ruleID, if any.
func (c *Context) FindPendingTimer(ruleID string) (PendingTimer, bool) {
	for _, t := range c.PendingTimers {
		if t.RuleID == ruleID {
			return t, true
		}
	}
	return PendingTimer{}, false
}

// SetPendingTimer replaces (or adds) the pending timer entry for its rule.
func (c *Context) SetPendingTimer(t PendingTimer) {
	for i, existing := range c.PendingTimers {
		if existing.RuleID == t.RuleID {
			c.PendingTimers[i] = t
			return
		}
	}
	c.PendingTimers = append(c.PendingTimers, t)
}

// RemovePendingTimer deletes the pending timer entry for ruleID, if any.
func (c *Context) RemovePendingTimer(ruleID string) {
	for i, t := range c.PendingTimers {
		if t.RuleID == ruleID {
			c.PendingTimers = append(c.PendingTimers[:i], c.PendingTimers[i+1:]...)
			return
		}
	}
}

// RequirementKind distinguishes exact-set from subset rule requirements.
type RequirementKind int

const (
	// RequireExact fires when present types equal Types exactly, once
	// per context lifetime.
	RequireExact RequirementKind = iota
	// RequireAtLeast fires whenever Types is a subset of present types,
	// re-evaluated on each qualifying mutation (subject to Timing).
	RequireAtLeast
)

// Requirement is the event-set predicate a Rule evaluates against a
// Context.
type Requirement struct {
	Kind  RequirementKind
	Types []string
}

// Timing configures timer-based re-evaluation of a rule, all in
// milliseconds.
type Timing struct {
	FromMs       int64
	CheckEveryMs int64
	UntilMs      int64
	HasTiming    bool
}

// Action names the target a fired rule delivers to and the payload
// template rendered against the script's projection.
type Action struct {
	TargetID string
	Payload  any // JSON-shaped tree; string leaves may hold ${{ expr }}
}

// Rule is a user-defined correlation rule.
type Rule struct {
	ID            string
	Requirement   Requirement
	Timing        Timing
	FilterExtract string // script source; empty means use default projection
	Action        Action
}

// RenderedAction is what the Dispatcher hands to a Target after a rule
// fires and its template renders successfully.
type RenderedAction struct {
	TargetID        string
	RenderedBytes   []byte
	SequenceVersion int64
	RuleID          string
	Key             string

	// DeliveryID uniquely identifies this firing, independent of retry
	// attempt, so a Target can use it as an idempotency key.
	DeliveryID string
}

// Trigger describes why a rule evaluation is happening.
type Trigger struct {
	Type      string // "received_event" or "timer_expired"
	Timestamp int64
	Event     *TypedEvent // non-nil only for "received_event"
}

// ToMap renders the trigger as the plain map exposed to scripts.
func (t Trigger) ToMap() map[string]any {
	out := map[string]any{
		"type":      t.Type,
		"timestamp": t.Timestamp,
	}
	if t.Event != nil {
		out["event"] = t.Event.MarshalProjection()
	}
	return out
}

// DefaultProjection builds the projection object used when a rule has no
// FilterExtract script, and which is always available inside scripts and
// templates as trigger/events/meta.
func DefaultProjection(trig Trigger, ctx *Context, excludeTrigger bool) map[string]any {
	sc := ScriptContext(trig, ctx, excludeTrigger)
	return map[string]any{
		"trigger": trig.ToMap(),
		"events":  sc["events"],
		"meta":    sc["meta"],
	}
}

// ScriptContext builds the ctx value bound as a script's second argument:
// {sequence, events, meta}. When the trigger is an event arrival, its
// entry — always the most recently appended element of Sequence — is
// excluded by position, so scripts see the state prior to this event with
// the incoming event only reachable via trigger.event. Exclusion is
// positional rather than by value: an earlier event that happens to carry
// an identical payload at the same millisecond stays visible.
func ScriptContext(trig Trigger, ctx *Context, excludeTrigger bool) map[string]any {
	exclude := -1
	if excludeTrigger && trig.Event != nil {
		exclude = len(ctx.Sequence) - 1
	}

	sequence := make([]any, 0, len(ctx.Sequence))
	events := make(map[string]any)
	for i, e := range ctx.Sequence {
		if i == exclude {
			continue
		}
		p := e.MarshalProjection()
		sequence = append(sequence, p)
		arr, _ := events[e.EventType].([]any)
		events[e.EventType] = append(arr, p)
	}
	// A type whose only occurrence is the excluded trigger still gets an
	// empty by-type entry, so scripts can index events[t] for any type
	// present in the context.
	for t := range ctx.TypesPresent() {
		if _, ok := events[t]; !ok {
			events[t] = []any{}
		}
	}

	meta := make(map[string]any, len(events))
	for t, arr := range events {
		meta[t+"_count"] = len(arr.([]any))
	}

	return map[string]any{
		"sequence": sequence,
		"events":   events,
		"meta":     meta,
	}
}

// MustJSON marshals v to JSON, panicking on failure. Used only for values
// this package itself constructs and knows to be serializable.
func MustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
