package dispatcher_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/dispatcher"
	"github.com/go-laika/laika/pkg/laika/eventtype"
	"github.com/go-laika/laika/pkg/laika/laikaerr"
	"github.com/go-laika/laika/pkg/laika/script"
	"github.com/go-laika/laika/pkg/laika/store"
	"github.com/go-laika/laika/pkg/laika/targets"
)

// memTarget records every delivered payload, safe for concurrent workers.
type memTarget struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (m *memTarget) ID() string { return "mem" }

func (m *memTarget) Send(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.payloads = append(m.payloads, cp)
	return nil
}

func (m *memTarget) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func (m *memTarget) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.payloads))
	copy(out, m.payloads)
	return out
}

func newRegistry(t *testing.T) *eventtype.Registry {
	r := eventtype.New()
	require.NoError(t, r.Register(laika.EventType{
		Name:               "login",
		Classifier:         laika.Classifier{Kind: laika.ClassifyByKey, Match: map[string]string{"kind": "login"}},
		CorrelationKeyExpr: "$.user_id",
	}))
	require.NoError(t, r.Register(laika.EventType{
		Name:               "purchase",
		Classifier:         laika.Classifier{Kind: laika.ClassifyByKey, Match: map[string]string{"kind": "purchase"}},
		CorrelationKeyExpr: "$.user_id",
	}))
	return r
}

func startDispatcher(t *testing.T, cfg dispatcher.Config) *dispatcher.Dispatcher {
	t.Helper()
	d := dispatcher.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

func ingestJSON(t *testing.T, d *dispatcher.Dispatcher, receivedMs int64, doc string) {
	t.Helper()
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	require.NoError(t, d.Ingest(&laika.Record{
		Source:   "test",
		Received: receivedMs,
		Raw:      []byte(doc),
		Parsed:   parsed,
	}))
}

func TestDispatcherFiresExactRuleAcrossTwoEvents(t *testing.T) {
	registry := newRegistry(t)
	var out bytes.Buffer
	target := targets.NewStdoutTarget("sink", &out)

	rule := &laika.Rule{
		ID: "login-then-purchase",
		Requirement: laika.Requirement{
			Kind:  laika.RequireExact,
			Types: []string{"login", "purchase"},
		},
		Action: laika.Action{
			TargetID: "sink",
			Payload: map[string]any{
				"alert": "combo",
				"user":  "${{ trigger.event.data.user_id }}",
			},
		},
	}

	d := dispatcher.New(dispatcher.Config{
		EventTypes: registry,
		Rules:      []dispatcher.CompiledRule{{Rule: rule}},
		Store:      store.NewMemoryStore(),
		Targets:    map[string]targets.Target{"sink": target},
		NumWorkers: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	require.NoError(t, d.Ingest(&laika.Record{
		Source:   "test",
		Received: 1000,
		Parsed:   map[string]any{"kind": "login", "user_id": "u1"},
	}))
	require.NoError(t, d.Ingest(&laika.Record{
		Source:   "test",
		Received: 2000,
		Parsed:   map[string]any{"kind": "purchase", "user_id": "u1"},
	}))

	require.Eventually(t, func() bool {
		return out.Len() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-d.Done()

	var fired map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &fired))
	assert.Equal(t, "combo", fired["alert"])
	assert.Equal(t, "u1", fired["user"])
}

func TestIngestReportsMatchMiss(t *testing.T) {
	registry := newRegistry(t)
	d := dispatcher.New(dispatcher.Config{
		EventTypes: registry,
		Store:      store.NewMemoryStore(),
		Targets:    map[string]targets.Target{},
	})

	err := d.Ingest(&laika.Record{Source: "test", Parsed: map[string]any{"kind": "unknown"}})
	require.Error(t, err)
}

func TestThreeWayCorrelationFiresOncePerCompleteKey(t *testing.T) {
	registry := eventtype.New()
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, registry.Register(laika.EventType{
			Name:               name,
			Classifier:         laika.Classifier{Kind: laika.ClassifyByKey, Match: map[string]string{"type": name}},
			CorrelationKeyExpr: "$.txn",
		}))
	}

	target := &memTarget{}
	rule := &laika.Rule{
		ID:          "abc",
		Requirement: laika.Requirement{Kind: laika.RequireExact, Types: []string{"A", "B", "C"}},
		Action:      laika.Action{TargetID: "mem", Payload: map[string]any{"txn": "${{ trigger.event.data.txn }}"}},
	}

	d := startDispatcher(t, dispatcher.Config{
		EventTypes: registry,
		Rules:      []dispatcher.CompiledRule{{Rule: rule}},
		Store:      store.NewMemoryStore(),
		Targets:    map[string]targets.Target{"mem": target},
		NumWorkers: 4,
	})

	ingestJSON(t, d, 1000, `{"type":"A","txn":"x"}`)
	ingestJSON(t, d, 2000, `{"type":"B","txn":"x"}`)
	ingestJSON(t, d, 3000, `{"type":"C","txn":"x"}`)
	ingestJSON(t, d, 4000, `{"type":"A","txn":"y"}`)

	require.Eventually(t, func() bool { return target.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Another event for the completed key must not re-fire the exact
	// rule within this context generation.
	ingestJSON(t, d, 5000, `{"type":"A","txn":"x"}`)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, target.Count())

	var fired map[string]any
	require.NoError(t, json.Unmarshal(target.Payloads()[0], &fired))
	assert.Equal(t, "x", fired["txn"])
}

func compileRule(t *testing.T, rule *laika.Rule) dispatcher.CompiledRule {
	t.Helper()
	cr := dispatcher.CompiledRule{Rule: rule}
	if rule.FilterExtract != "" {
		c, err := script.Compile(rule.ID, rule.FilterExtract)
		require.NoError(t, err)
		cr.Script = c
	}
	return cr
}

func msgRegistry(t *testing.T) *eventtype.Registry {
	t.Helper()
	registry := eventtype.New()
	require.NoError(t, registry.Register(laika.EventType{
		Name:               "msg",
		Classifier:         laika.Classifier{Kind: laika.ClassifyByKey, Match: map[string]string{"type": "msg"}},
		CorrelationKeyExpr: "$.chan",
	}))
	return registry
}

func TestAtLeastRuleRefiresPerQualifyingEventInOrder(t *testing.T) {
	target := &memTarget{}
	rule := &laika.Rule{
		ID:            "onMsg",
		Requirement:   laika.Requirement{Kind: laika.RequireAtLeast, Types: []string{"msg"}},
		FilterExtract: "trigger.event.data.content",
		Action:        laika.Action{TargetID: "mem", Payload: "${{ value }}"},
	}

	d := startDispatcher(t, dispatcher.Config{
		EventTypes: msgRegistry(t),
		Rules:      []dispatcher.CompiledRule{compileRule(t, rule)},
		Store:      store.NewMemoryStore(),
		Targets:    map[string]targets.Target{"mem": target},
		NumWorkers: 2,
	})

	ingestJSON(t, d, 1000, `{"type":"msg","chan":"c1","content":"a"}`)
	ingestJSON(t, d, 2000, `{"type":"msg","chan":"c1","content":"b"}`)
	ingestJSON(t, d, 3000, `{"type":"msg","chan":"c1","content":"c"}`)

	require.Eventually(t, func() bool { return target.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	var got []string
	for _, p := range target.Payloads() {
		var s string
		require.NoError(t, json.Unmarshal(p, &s), "sole-expression payload keeps the native string type")
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestScriptReturningNullSuppressesFiring(t *testing.T) {
	target := &memTarget{}
	rule := &laika.Rule{
		ID:            "onMsg",
		Requirement:   laika.Requirement{Kind: laika.RequireAtLeast, Types: []string{"msg"}},
		FilterExtract: `trigger.event.data.content.indexOf("skip:") === 0 ? null : trigger.event.data.content`,
		Action:        laika.Action{TargetID: "mem", Payload: "${{ value }}"},
	}

	d := startDispatcher(t, dispatcher.Config{
		EventTypes: msgRegistry(t),
		Rules:      []dispatcher.CompiledRule{compileRule(t, rule)},
		Store:      store.NewMemoryStore(),
		Targets:    map[string]targets.Target{"mem": target},
		NumWorkers: 2,
	})

	ingestJSON(t, d, 1000, `{"type":"msg","chan":"c1","content":"skip:hi"}`)
	ingestJSON(t, d, 2000, `{"type":"msg","chan":"c1","content":"ok"}`)

	require.Eventually(t, func() bool { return target.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, target.Count())

	var s string
	require.NoError(t, json.Unmarshal(target.Payloads()[0], &s))
	assert.Equal(t, "ok", s)
}

// conflictStore wraps a working store with a Commit that always reports a
// version conflict, the permanent-failure shape the worker pool must not
// survive.
type conflictStore struct {
	store.Store
}

func (s *conflictStore) Commit(string, *laika.Context, int64) error {
	return store.ErrConflict
}

func TestPermanentStoreErrorStopsDispatcher(t *testing.T) {
	registry := newRegistry(t)
	target := &memTarget{}
	rule := &laika.Rule{
		ID:          "onLogin",
		Requirement: laika.Requirement{Kind: laika.RequireExact, Types: []string{"login"}},
		Action:      laika.Action{TargetID: "mem", Payload: map[string]any{"hello": "world"}},
	}

	d := dispatcher.New(dispatcher.Config{
		EventTypes: registry,
		Rules:      []dispatcher.CompiledRule{{Rule: rule}},
		Store:      &conflictStore{store.NewMemoryStore()},
		Targets:    map[string]targets.Target{"mem": target},
		NumWorkers: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	ingestJSON(t, d, 1000, `{"kind":"login","user_id":"u1"}`)

	select {
	case err := <-runErr:
		var se *laikaerr.StoreError
		require.ErrorAs(t, err, &se)
		assert.True(t, se.Permanent)
		assert.ErrorIs(t, err, store.ErrConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running after a permanent store error")
	}
	<-d.Done()

	assert.Zero(t, target.Count(), "nothing is emitted for an uncommitted context")
}

const minuteMs = int64(60 * 1000)

// timedSetup starts a dispatcher with a controllable clock and one timed
// exact rule over the login type, then ingests the login that arms the
// timer. The payload is the sole-expression trigger timestamp so tests
// can assert which grid instant each fire reports.
func timedSetup(t *testing.T, timing laika.Timing) (*memTarget, *atomic.Int64, int64) {
	t.Helper()
	registry := eventtype.New()
	require.NoError(t, registry.Register(laika.EventType{
		Name:               "login",
		Classifier:         laika.Classifier{Kind: laika.ClassifyByKey, Match: map[string]string{"kind": "login"}},
		CorrelationKeyExpr: "$.user_id",
	}))

	target := &memTarget{}
	rule := &laika.Rule{
		ID:          "reminder",
		Requirement: laika.Requirement{Kind: laika.RequireExact, Types: []string{"login"}},
		Timing:      timing,
		Action:      laika.Action{TargetID: "mem", Payload: "${{ trigger.timestamp }}"},
	}

	base := time.Now().UnixMilli()
	clock := &atomic.Int64{}
	clock.Store(base)

	d := startDispatcher(t, dispatcher.Config{
		EventTypes:        registry,
		Rules:             []dispatcher.CompiledRule{{Rule: rule}},
		Store:             store.NewMemoryStore(),
		Targets:           map[string]targets.Target{"mem": target},
		NumWorkers:        2,
		TimerPollInterval: 5 * time.Millisecond,
		Clock:             clock.Load,
	})

	ingestJSON(t, d, base, fmt.Sprintf(`{"kind":"login","user_id":"u1","base":%d}`, base))
	return target, clock, base
}

func fireTimestamps(t *testing.T, target *memTarget) []int64 {
	t.Helper()
	var out []int64
	for _, p := range target.Payloads() {
		var ts float64
		require.NoError(t, json.Unmarshal(p, &ts))
		out = append(out, int64(ts))
	}
	return out
}

func TestTimedRuleFiresOnGridUntilHorizon(t *testing.T) {
	target, clock, base := timedSetup(t, laika.Timing{
		HasTiming:    true,
		FromMs:       30 * minuteMs,
		CheckEveryMs: 30 * minuteMs,
		UntilMs:      120 * minuteMs,
	})

	// Advance the clock one grid step at a time: fires expected at
	// ~30m, 60m, 90m, 120m after the login, none past the 2h horizon.
	for i := 1; i <= 4; i++ {
		clock.Store(base + int64(i)*30*minuteMs + 5000)
		require.Eventually(t, func() bool { return target.Count() == i }, 2*time.Second, 5*time.Millisecond, "fire %d", i)
	}

	clock.Store(base + 300*minuteMs)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, target.Count(), "no fire past the until horizon")

	stamps := fireTimestamps(t, target)
	for i, ts := range stamps {
		expected := base + int64(i+1)*30*minuteMs
		assert.InDelta(t, float64(expected), float64(ts), 5000, "fire %d reports its scheduled grid instant", i+1)
	}
}

func TestTimedRuleCoalescesMissedTicksIntoOneFire(t *testing.T) {
	target, clock, base := timedSetup(t, laika.Timing{
		HasTiming:    true,
		FromMs:       30 * minuteMs,
		CheckEveryMs: 30 * minuteMs,
		UntilMs:      240 * minuteMs,
	})

	// Jump straight from t=0 to t=100m: the 30m tick is long past due
	// and the 60m/90m ticks were missed. Exactly one fire runs,
	// reporting the originally scheduled 30m instant.
	clock.Store(base + 100*minuteMs)
	require.Eventually(t, func() bool { return target.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, target.Count(), "missed ticks coalesce into a single fire")

	stamps := fireTimestamps(t, target)
	assert.InDelta(t, float64(base+30*minuteMs), float64(stamps[0]), 5000, "trigger.timestamp is the original due instant, not the wall clock at fire")

	// The next grid point after 100m is 120m.
	clock.Store(base + 121*minuteMs)
	require.Eventually(t, func() bool { return target.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	stamps = fireTimestamps(t, target)
	assert.InDelta(t, float64(base+120*minuteMs), float64(stamps[1]), 5000)
}
