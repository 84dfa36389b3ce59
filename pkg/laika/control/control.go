// Package control is the operator-facing surface: a read-only Inspector
// for querying a correlation key's current state, and a Signaler for
// fire-and-forget operator actions against it. Adapted from a pair of
// generic named-handler registries (one for synchronous queries, one for
// fire-and-forget signals) down to the two concrete operations an operator
// needs against a running correlation engine — there is no dynamic set of
// query/signal names to register here, so the handler-registry indirection
// is dropped in favor of two small, direct types.
package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/observability"
	"github.com/go-laika/laika/pkg/laika/store"
)

// DefaultTTI is the time-to-idle eviction threshold used when a
// Sweeper is built with a zero TTI.
const DefaultTTI = 7 * 24 * time.Hour

// DefaultSweepInterval is how often a Sweeper scans the store for idle
// contexts when built with a zero interval.
const DefaultSweepInterval = time.Hour

// PendingTimerView is the operator-facing projection of a pending timer.
type PendingTimerView struct {
	RuleID   string `json:"rule_id"`
	FireAtMs int64  `json:"fire_at_ms"`
}

// ContextView is the operator-facing projection of a Context: per-type
// event counts instead of the events themselves, plus the rule_fired set,
// pending timers, sequence version, and timestamps — what an operator
// would want to see when diagnosing a stuck key.
type ContextView struct {
	Key             string             `json:"key"`
	EventCounts     map[string]int     `json:"event_counts"`
	RuleFired       []string           `json:"rule_fired"`
	PendingTimers   []PendingTimerView `json:"pending_timers"`
	SequenceVersion int64              `json:"sequence_version"`
	CreatedMs       int64              `json:"created_ms"`
	LastTouchedMs   int64              `json:"last_touched_ms"`
}

func viewFromContext(ctx *laika.Context) *ContextView {
	counts := make(map[string]int)
	for _, e := range ctx.Sequence {
		counts[e.EventType]++
	}
	fired := make([]string, 0, len(ctx.RuleFired))
	for id := range ctx.RuleFired {
		fired = append(fired, id)
	}
	timers := make([]PendingTimerView, 0, len(ctx.PendingTimers))
	for _, t := range ctx.PendingTimers {
		timers = append(timers, PendingTimerView{RuleID: t.RuleID, FireAtMs: t.FireAtMs})
	}
	return &ContextView{
		Key:             ctx.Key,
		EventCounts:     counts,
		RuleFired:       fired,
		PendingTimers:   timers,
		SequenceVersion: ctx.SequenceVersion,
		CreatedMs:       ctx.CreatedMs,
		LastTouchedMs:   ctx.LastTouchedMs,
	}
}

// Inspector answers read-only queries about correlation key state. It
// never mutates the store: Inspect loads the same way the Dispatcher does,
// but discards its copy instead of committing it back.
type Inspector struct {
	store store.Store
}

// NewInspector returns an Inspector reading from s.
func NewInspector(s store.Store) *Inspector {
	return &Inspector{store: s}
}

// Inspect returns the current state of key, or an empty ContextView if the
// key has no context (never seen, or evicted).
func (i *Inspector) Inspect(key string) (*ContextView, error) {
	ctx, err := i.store.Load(key)
	if err != nil {
		return nil, err
	}
	return viewFromContext(ctx), nil
}

// Signaler performs fire-and-forget operator actions against the store.
type Signaler struct {
	store store.Store
}

// NewSignaler returns a Signaler acting on s.
func NewSignaler(s store.Store) *Signaler {
	return &Signaler{store: s}
}

// Evict unconditionally removes key's context, clearing rule_fired history
// and any pending timers — the rule-set behaves as if the key were never
// seen.
func (s *Signaler) Evict(key string) error {
	return s.store.Evict(key)
}

// Sweeper periodically reclaims contexts that have exceeded their
// time-to-idle threshold, the background half of the eviction
// lifecycle — distinct from the operator-invoked Signaler.Evict and from
// the Dispatcher's own drop-after-exact-fire. It is adapted from the
// Dispatcher's timer-poll loop: a ticker drives periodic IdleKeysBefore
// scans against the store until stopped.
type Sweeper struct {
	store    store.Store
	tti      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() int64
}

// NewSweeper returns a Sweeper evicting keys idle for longer than tti,
// scanning the store every interval. A zero tti or interval falls back to
// DefaultTTI/DefaultSweepInterval.
func NewSweeper(s store.Store, tti, interval time.Duration, logger *slog.Logger) *Sweeper {
	if tti <= 0 {
		tti = DefaultTTI
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		tti:      tti,
		interval: interval,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Run blocks, sweeping idle contexts every interval until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sw.sweepOnce()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweepOnce evicts every context whose last mutation is older than the
// TTI threshold as of now.
func (sw *Sweeper) sweepOnce() {
	cutoff := sw.now() - sw.tti.Milliseconds()
	idle, err := sw.store.IdleKeysBefore(cutoff)
	if err != nil {
		sw.logger.Error("time-to-idle sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, key := range idle {
		if err := sw.store.Evict(key); err != nil {
			sw.logger.Error("time-to-idle eviction failed",
				slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		observability.LogContextEvicted(sw.logger, key, sw.tti)
	}
}
