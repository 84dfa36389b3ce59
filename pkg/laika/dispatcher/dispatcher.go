// Package dispatcher implements the engine's event loop: a hash-bucketed,
// per-key-ordered worker pool composing the Matcher, Key Extractor,
// Context Store, Requirement Evaluator, Script Runtime, Template Renderer,
// and Timer Scheduler into one firing pipeline, then retrying and
// eventually dead-lettering failed deliveries.
//
// The bucketing itself is adapted from a pub/sub event bus's per-subscriber
// channel-plus-goroutine shape, generalized from fan-out-to-many-handlers
// into fan-out-to-many-single-writer-queues: every correlation key hashes
// to exactly one bucket, so all mutations against that key are strictly
// ordered without a per-key lock.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/eventtype"
	"github.com/go-laika/laika/pkg/laika/laikaerr"
	"github.com/go-laika/laika/pkg/laika/observability"
	"github.com/go-laika/laika/pkg/laika/script"
	"github.com/go-laika/laika/pkg/laika/store"
	"github.com/go-laika/laika/pkg/laika/targets"
	"github.com/go-laika/laika/pkg/laika/template"
	"github.com/go-laika/laika/pkg/laika/timer"
)

// CompiledRule pairs a loaded Rule with its pre-compiled filter_extract
// script. Script is nil when the rule has no filter_extract, in which case
// the default projection is used and the rule always fires once eligible.
type CompiledRule struct {
	Rule   *laika.Rule
	Script *script.Compiled
}

// Config wires a Dispatcher's dependencies. Zero-value NumWorkers,
// ScriptLimits, TimerPollInterval, RetryConfig, Logger, Metrics, and Tracer
// all fall back to sane defaults in New.
type Config struct {
	EventTypes *eventtype.Registry
	Rules      []CompiledRule
	Store      store.Store
	Targets    map[string]targets.Target
	DeadLetter targets.DeadLetterSink

	// SourceDefaultClassifiers maps a source name to the classifier an
	// EventType scoped to it inherits when its own configuration omits
	// one.
	SourceDefaultClassifiers map[string]laika.Classifier

	NumWorkers        int
	ScriptLimits      script.Limits
	RetryConfig       laikaerr.RetryConfig
	TimerPollInterval time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Tracer  observability.SpanManager

	// Clock returns the current time in milliseconds since epoch.
	// Overridable in tests; defaults to time.Now().
	Clock func() int64
}

// Dispatcher is the running engine: matcher, key extractor, requirement
// evaluator, and renderer are stateless and shared; the timer queue and
// worker buckets hold the only mutable dispatcher-owned state.
type Dispatcher struct {
	cfg Config

	matcher      *laika.Matcher
	keyExtractor *laika.KeyExtractor
	reqEval      *laika.RequirementEvaluator
	renderer     *template.Renderer
	timerQ       *timer.Queue

	buckets []chan workItem
	stopCh  chan struct{}
	done    chan struct{}

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	tracer  observability.SpanManager
	now     func() int64
}

type workKind int

const (
	workEvent workKind = iota
	workTimer
)

type workItem struct {
	kind   workKind
	key    string
	event  *laika.TypedEvent // workEvent
	ruleID string            // workTimer
}

// New builds a Dispatcher from cfg. It does not start any goroutines; call
// Run to begin processing.
func New(cfg Config) *Dispatcher {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 8
	}
	if cfg.ScriptLimits == (script.Limits{}) {
		cfg.ScriptLimits = script.DefaultLimits
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = laikaerr.DefaultRetry
	}
	if cfg.TimerPollInterval <= 0 {
		cfg.TimerPollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NoopSpanManager{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().UnixMilli() }
	}

	types := make([]laika.EventType, 0, len(cfg.EventTypes.Names()))
	for _, t := range cfg.EventTypes.All() {
		types = append(types, t)
	}

	buckets := make([]chan workItem, cfg.NumWorkers)
	for i := range buckets {
		buckets[i] = make(chan workItem, 256)
	}

	renderer := template.NewRenderer(func(expr string, projection map[string]any) (any, error) {
		return script.EvalExpr(expr, projection)
	})

	return &Dispatcher{
		cfg:          cfg,
		matcher:      laika.NewMatcher(types, cfg.SourceDefaultClassifiers),
		keyExtractor: laika.NewKeyExtractor(),
		reqEval:      laika.NewRequirementEvaluator(),
		renderer:     renderer,
		timerQ:       timer.NewQueue(),
		buckets:      buckets,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		now:          cfg.Clock,
	}
}

// Run starts the worker pool and timer loop, recovers pending timers from
// the store, and blocks until ctx is cancelled or a worker dies on a
// permanent store error. On cancellation it closes every bucket so workers
// drain their queued items before returning — no in-flight mutation is
// abandoned mid-commit. A permanent store error instead stops the pool and
// is returned to the caller: the commit boundary guarantees no partial
// state was persisted, so the safe response is to let supervision restart
// the process rather than keep processing against a broken store.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverTimers(); err != nil {
		return err
	}

	workerErr := make(chan error, len(d.buckets))
	var wg sync.WaitGroup
	for i := range d.buckets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := d.runWorker(i); err != nil {
				workerErr <- err
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runTimerLoop()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-workerErr:
		runErr = err
	}
	close(d.stopCh)
	for _, b := range d.buckets {
		close(b)
	}
	wg.Wait()
	close(d.done)
	return runErr
}

// Done returns a channel closed once Run has finished draining every
// worker after ctx was cancelled.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// recoverTimers loads every pending timer from the store into the
// in-memory scheduler. The store remains the durable source of truth;
// timer.Queue exists so a poll tick never needs a full store scan.
func (d *Dispatcher) recoverTimers() error {
	due, err := d.cfg.Store.KeysWithDueTimers(math.MaxInt64)
	if err != nil {
		return &laikaerr.StoreError{Op: "recover-timers", Err: err, Permanent: true}
	}
	for _, t := range due {
		d.timerQ.Schedule(timer.Entry{Key: t.Key, RuleID: t.RuleID, FireAtMs: t.FireAtMs})
	}
	return nil
}

// Ingest classifies rec, extracts correlation keys, and enqueues one work
// item per matched event type. Returns *laikaerr.MatchMiss if rec matched
// nothing; this is a counted, not fatal, condition — callers typically log
// and drop.
func (d *Dispatcher) Ingest(rec *laika.Record) error {
	matched := d.matcher.Match(rec)
	d.metrics.RecordIngest(context.Background(), rec.Source, len(matched))
	observability.LogIngest(d.logger, rec.Source, matched)

	if len(matched) == 0 {
		observability.LogMatchMiss(d.logger, rec.Source)
		return &laikaerr.MatchMiss{Source: rec.Source}
	}

	for _, typeName := range matched {
		et, ok := d.cfg.EventTypes.Get(typeName)
		if !ok {
			continue
		}
		key, err := d.keyExtractor.Extract(et, rec)
		if err != nil {
			d.metrics.RecordBadKey(context.Background(), typeName)
			d.logger.Warn("key extraction failed", slog.String("event_type", typeName), slog.String("error", err.Error()))
			continue
		}
		ev := laika.TypedEvent{
			EventType:      typeName,
			CorrelationKey: key,
			ReceivedMs:     rec.Received,
			Parsed:         rec.Parsed,
			Raw:            rec.Raw,
		}
		d.enqueue(workItem{kind: workEvent, key: key, event: &ev})
	}
	return nil
}

func (d *Dispatcher) enqueue(item workItem) {
	b := d.bucketFor(item.key)
	select {
	case d.buckets[b] <- item:
	case <-d.stopCh:
	}
}

func (d *Dispatcher) bucketFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.buckets)))
}

// runWorker drains bucket i until it closes, stopping early when an item
// fails with a permanent store error. Counted and transient failures never
// stop the worker; a permanent one does, and the returned error shuts the
// whole dispatcher down via Run.
func (d *Dispatcher) runWorker(i int) error {
	for item := range d.buckets[i] {
		if err := d.process(item); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) runTimerLoop() {
	ticker := time.NewTicker(d.cfg.TimerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.pollTimers()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) pollTimers() {
	due := d.timerQ.PopDue(d.now())
	for _, e := range due {
		d.enqueue(workItem{kind: workTimer, key: e.Key, ruleID: e.RuleID})
	}
}

// process runs the full load -> append -> evaluate -> script -> template ->
// commit -> emit sequence for one work item. It is only ever called from
// the single worker owning item.key's bucket, so no per-key lock is
// needed beyond the bucket assignment itself. The returned error is
// non-nil only for a permanent store failure, which kills the worker;
// everything else is logged, counted, and absorbed here.
func (d *Dispatcher) process(item workItem) error {
	ctx := context.Background()
	ctx, span := d.tracer.StartKeySpan(ctx, item.key)
	var procErr error
	defer func() { d.tracer.EndSpanWithError(span, procErr) }()

	loadRes := laikaerr.WithRetryContext(ctx, d.cfg.RetryConfig, func(context.Context) (*laika.Context, error) {
		c, err := d.cfg.Store.Load(item.key)
		if err != nil {
			return nil, &laikaerr.StoreError{Key: item.key, Op: "load", Err: err}
		}
		return c, nil
	})
	if loadRes.Err != nil {
		procErr = loadRes.Err
		observability.LogStoreError(d.logger, item.key, "load", loadRes.Err)
		return permanentOnly(loadRes.Err)
	}
	loaded := loadRes.Value
	opVersion := loaded.SequenceVersion

	var trigger laika.Trigger
	switch item.kind {
	case workEvent:
		loaded.Append(*item.event)
		trigger = laika.Trigger{Type: "received_event", Timestamp: item.event.ReceivedMs, Event: item.event}
	case workTimer:
		pt, ok := loaded.FindPendingTimer(item.ruleID)
		if !ok {
			return nil // stale: rule's timer was already cancelled/consumed
		}
		fireInstant := d.coalesceAndReschedule(loaded, item.ruleID, pt.FireAtMs)
		if fireInstant == 0 {
			return nil // coalescing determined this rule is done firing
		}
		trigger = laika.Trigger{Type: "timer_expired", Timestamp: fireInstant}
	}

	var toEmit []laika.RenderedAction
	for _, cr := range d.cfg.Rules {
		rule := cr.Rule
		if item.kind == workTimer && rule.ID != item.ruleID {
			continue
		}
		rendered, err := d.evaluateRule(ctx, cr, loaded, trigger, item)
		if err != nil {
			continue // counted errors already logged inside evaluateRule
		}
		if rendered != nil {
			toEmit = append(toEmit, *rendered)
		}
	}

	done := observability.TimedOperation()
	commitRes := laikaerr.WithRetryContext(ctx, d.cfg.RetryConfig, func(context.Context) (struct{}, error) {
		if err := d.cfg.Store.Commit(item.key, loaded, opVersion); err != nil {
			// A version conflict means another writer got in despite the
			// per-key bucketing — a bug, not contention. Permanent: never
			// retried, stops the worker.
			return struct{}{}, &laikaerr.StoreError{Key: item.key, Op: "commit", Err: err, Permanent: errors.Is(err, store.ErrConflict)}
		}
		return struct{}{}, nil
	})
	d.metrics.RecordStoreCommit(ctx, time.Duration(done()*float64(time.Millisecond)), commitRes.Err)
	if commitRes.Err != nil {
		procErr = commitRes.Err
		observability.LogStoreError(d.logger, item.key, "commit", commitRes.Err)
		return permanentOnly(commitRes.Err)
	}

	for _, action := range toEmit {
		d.emit(ctx, action)
	}
	return nil
}

// permanentOnly passes through errors categorized as permanent and
// swallows the rest, which have already been logged and counted by the
// caller.
func permanentOnly(err error) error {
	if laikaerr.Categorize(err) == laikaerr.CategoryPermanent {
		return err
	}
	return nil
}

// evaluateRule runs one rule's requirement check, script, and template
// against loaded, mutating loaded's rule_fired and pending_timers
// bookkeeping in place. Returns the rendered action to emit, or nil if the
// rule did not fire this round.
func (d *Dispatcher) evaluateRule(ctx context.Context, cr CompiledRule, loaded *laika.Context, trigger laika.Trigger, item workItem) (*laika.RenderedAction, error) {
	rule := cr.Rule
	var triggerEvent *laika.TypedEvent
	if item.kind == workEvent {
		triggerEvent = item.event
	}

	elig := d.reqEval.Evaluate(rule, loaded, triggerEvent)

	if rule.Timing.HasTiming {
		d.manageTiming(loaded, rule, elig, item)
	}

	// A timed rule's event path only arms or refreshes the timer above;
	// it never fires directly. Firing comes solely from the workTimer
	// path, on the from/check_every/until grid.
	fire := elig == laika.NewlySatisfied && !rule.Timing.HasTiming
	if item.kind == workTimer {
		fire = elig != laika.NotEligible
	}
	if !fire {
		return nil, nil
	}

	if _, ok := loaded.RequirementFirstSatisfiedMs[rule.ID]; !ok {
		loaded.RequirementFirstSatisfiedMs[rule.ID] = d.now()
	}

	ruleCtx, span := d.tracer.StartRuleSpan(ctx, rule.ID)
	rendered, err := d.runRule(ruleCtx, cr, loaded, trigger, item)
	d.tracer.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}

	// Without timing, an exact rule fires exactly once. With timing, the
	// from/check_every/until grid governs re-firing and termination (see
	// coalesceAndReschedule), so rule_fired must stay clear.
	if rule.Requirement.Kind == laika.RequireExact && !rule.Timing.HasTiming {
		loaded.RuleFired[rule.ID] = true
		d.timerQ.Cancel(loaded.Key, rule.ID)
		loaded.RemovePendingTimer(rule.ID)
	}

	return rendered, nil
}

// manageTiming schedules or cancels rule's timer entry in response to this
// round's eligibility, independent of whether the rule fires this round.
func (d *Dispatcher) manageTiming(loaded *laika.Context, rule *laika.Rule, elig laika.Eligibility, item workItem) {
	if elig == laika.NotEligible {
		loaded.RemovePendingTimer(rule.ID)
		d.timerQ.Cancel(loaded.Key, rule.ID)
		return
	}
	if item.kind == workTimer {
		return // next tick already scheduled by coalesceAndReschedule
	}
	if _, scheduled := loaded.FindPendingTimer(rule.ID); scheduled {
		return // first satisfaction already scheduled the initial tick
	}

	first := loaded.RequirementFirstSatisfiedMs[rule.ID]
	if first == 0 {
		first = item.event.ReceivedMs
		loaded.RequirementFirstSatisfiedMs[rule.ID] = first
	}
	fireAt, ok := laika.NextTimerFire(rule.Timing, first, loaded.LastTouchedMs, 0)
	if !ok {
		return
	}
	loaded.SetPendingTimer(laika.PendingTimer{RuleID: rule.ID, FireAtMs: fireAt, SequenceVersion: loaded.SequenceVersion})
	d.timerQ.Schedule(timer.Entry{Key: loaded.Key, RuleID: rule.ID, FireAtMs: fireAt})
	observability.LogTimerScheduled(d.logger, rule.ID, loaded.Key, fireAt)
}

// coalesceAndReschedule handles a due timer fire: it collapses any run of
// missed ticks into the single fire that should run now, reports the
// originally-scheduled instant for trigger.timestamp, and schedules the
// next grid point (or removes the pending timer if the schedule is
// exhausted). Returns 0 if this fire should be skipped entirely.
func (d *Dispatcher) coalesceAndReschedule(loaded *laika.Context, ruleID string, scheduledMs int64) int64 {
	rule := d.ruleByID(ruleID)
	if rule == nil || !rule.Timing.HasTiming {
		loaded.RemovePendingTimer(ruleID)
		return 0
	}
	first := loaded.RequirementFirstSatisfiedMs[ruleID]
	fireInstant, nextScheduled, ok := laika.CoalesceLateFires(rule.Timing, first, loaded.LastTouchedMs, scheduledMs, d.now())
	if !ok {
		loaded.RemovePendingTimer(ruleID)
		d.timerQ.Cancel(loaded.Key, ruleID)
		return 0
	}
	if nextScheduled == 0 {
		loaded.RemovePendingTimer(ruleID)
		d.timerQ.Cancel(loaded.Key, ruleID)
	} else {
		loaded.SetPendingTimer(laika.PendingTimer{RuleID: ruleID, FireAtMs: nextScheduled, SequenceVersion: loaded.SequenceVersion})
		d.timerQ.Schedule(timer.Entry{Key: loaded.Key, RuleID: ruleID, FireAtMs: nextScheduled})
	}
	return fireInstant
}

func (d *Dispatcher) ruleByID(id string) *laika.Rule {
	for _, cr := range d.cfg.Rules {
		if cr.Rule.ID == id {
			return cr.Rule
		}
	}
	return nil
}

// runRule executes the rule's filter_extract script (or the default
// projection) and renders its action template. A script veto (nil result)
// or error suppresses the firing without failing the whole key.
func (d *Dispatcher) runRule(ctx context.Context, cr CompiledRule, loaded *laika.Context, trigger laika.Trigger, item workItem) (*laika.RenderedAction, error) {
	rule := cr.Rule
	excludeTrigger := item.kind == workEvent
	projection := laika.DefaultProjection(trigger, loaded, excludeTrigger)

	var extracted any = projection
	if cr.Script != nil {
		scriptCtx := laika.ScriptContext(trigger, loaded, excludeTrigger)
		done := observability.TimedOperation()
		v, err := cr.Script.Run(d.cfg.ScriptLimits, trigger.ToMap(), scriptCtx)
		d.metrics.RecordScriptRun(ctx, rule.ID, time.Duration(done()*float64(time.Millisecond)), err)
		if err != nil {
			observability.LogScriptError(d.logger, rule.ID, scriptErrorPhase(err), err)
			return nil, err
		}
		if v == nil {
			observability.LogRuleSuppressed(d.logger, rule.ID, loaded.Key)
			return nil, nil
		}
		extracted = v
	}

	// Template scope: the projection's own keys at the root,
	// with trigger/events/meta always reachable underneath. A primitive
	// projection is exposed as {value: v}.
	templateProjection := make(map[string]any, len(projection)+1)
	for k, v := range projection {
		templateProjection[k] = v
	}
	if m, ok := extracted.(map[string]any); ok {
		for k, v := range m {
			templateProjection[k] = v
		}
	} else if cr.Script != nil {
		templateProjection["value"] = extracted
	}
	renderedPayload := d.renderer.Render(rule.Action.Payload, templateProjection)
	body, err := json.Marshal(renderedPayload)
	if err != nil {
		terr := &laikaerr.TemplateError{RuleID: rule.ID, Err: err}
		observability.LogTemplateError(d.logger, rule.ID, terr)
		return nil, terr
	}

	d.metrics.RecordRuleFired(ctx, rule.ID, time.Duration(d.now()-trigger.Timestamp)*time.Millisecond)
	observability.LogRuleFired(d.logger, rule.ID, loaded.Key, rule.Action.TargetID)

	return &laika.RenderedAction{
		TargetID:        rule.Action.TargetID,
		RenderedBytes:   body,
		SequenceVersion: loaded.SequenceVersion,
		RuleID:          rule.ID,
		Key:             loaded.Key,
		DeliveryID:      uuid.NewString(),
	}, nil
}

func scriptErrorPhase(err error) string {
	var se *laikaerr.ScriptError
	if errors.As(err, &se) {
		return se.Phase
	}
	return "run"
}

// emit delivers a rendered action to its target with bounded retry,
// parking it in the dead-letter sink if every attempt fails.
func (d *Dispatcher) emit(ctx context.Context, action laika.RenderedAction) {
	target, ok := d.cfg.Targets[action.TargetID]
	if !ok {
		d.logger.Error("rendered action references unknown target", slog.String("target_id", action.TargetID))
		return
	}

	result := laikaerr.WithRetryContext(ctx, d.cfg.RetryConfig, func(ctx context.Context) (struct{}, error) {
		if it, ok := target.(targets.IdempotentTarget); ok {
			return struct{}{}, it.SendWithID(ctx, action.DeliveryID, action.RenderedBytes)
		}
		return struct{}{}, target.Send(ctx, action.RenderedBytes)
	})
	d.metrics.RecordDelivery(ctx, action.TargetID, result.Attempts, result.Err)
	observability.LogDelivery(d.logger, action.TargetID, result.Attempts, result.Err)

	if result.Err != nil && d.cfg.DeadLetter != nil {
		d.metrics.RecordDeadLetter(ctx, action.TargetID)
		observability.LogDeadLetter(d.logger, action.RuleID, action.Key, action.TargetID, result.Err)
		d.cfg.DeadLetter.Park(targets.DeadLetterEntry{
			RuleID:     action.RuleID,
			Key:        action.Key,
			TargetID:   action.TargetID,
			DeliveryID: action.DeliveryID,
			Payload:    action.RenderedBytes,
			Reason:     result.Err.Error(),
			FailedAtMs: d.now(),
		})
	}
}
