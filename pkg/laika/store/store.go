// Package store implements the Context Store: a durable mapping from
// correlation key to Context, with atomic per-key commits and a secondary
// index over pending timers so the Timer Scheduler can cheaply scan due
// entries without loading every context.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/wire"
)

// ErrConflict is returned by Commit when the caller's op_version does not
// match the version currently persisted for the key — another writer
// committed first. The Dispatcher serializes access per key via its
// worker-pool bucketing, so this indicates a bug rather than expected
// contention, but callers should treat it the same as any StoreError.
var ErrConflict = errors.New("store: commit version conflict")

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("store: closed")

// DueTimer is one entry returned by a due-timer scan.
type DueTimer struct {
	Key      string
	RuleID   string
	FireAtMs int64
}

// Store is the Context Store contract.
type Store interface {
	// Load returns the context for key, or an empty context if absent.
	Load(key string) (*laika.Context, error)

	// Commit persists ctx under key iff opVersion matches the store's
	// current version for that key (0 for a key that does not yet
	// exist). Returns ErrConflict on mismatch. An empty context (no
	// events, no pending timers) removes the key instead of storing it.
	Commit(key string, ctx *laika.Context, opVersion int64) error

	// Evict removes a key unconditionally.
	Evict(key string) error

	// KeysWithDueTimers returns every pending timer whose FireAtMs is
	// at or before nowMs, ordered by FireAtMs ascending.
	KeysWithDueTimers(nowMs int64) ([]DueTimer, error)

	// IdleKeysBefore returns every key whose context was last touched at
	// or before cutoffMs — candidates for time-to-idle eviction.
	IdleKeysBefore(cutoffMs int64) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// contextHeader is the bookkeeping half of a persisted context: everything
// except the event log, which travels as a wire batch so the persisted
// row uses the native batch format for its events.
type contextHeader struct {
	Key                         string
	PendingTimers               []laika.PendingTimer
	RuleFired                   map[string]bool
	RequirementFirstSatisfiedMs map[string]int64
	CreatedMs                   int64
	LastTouchedMs               int64
	SequenceVersion             int64
}

// uncorrelatedKeyPrefix marks synthetic per-event keys, which round-trip
// as non-correlated records in the batch encoding.
const uncorrelatedKeyPrefix = "~uncorrelated:"

// encodeContext serializes a Context for its per-key row: a gob-encoded
// bookkeeping header (length-prefixed), followed by the event sequence as
// a native wire batch. gob carries the header because it is a private Go
// struct round-tripped by the same binary that wrote it — never
// interchanged with another process or language — while the event log
// itself uses the pinned batch format shared with native-protocol
// connectors.
func encodeContext(ctx *laika.Context) ([]byte, error) {
	header, err := gobEncode(contextHeader{
		Key:                         ctx.Key,
		PendingTimers:               ctx.PendingTimers,
		RuleFired:                   ctx.RuleFired,
		RequirementFirstSatisfiedMs: ctx.RequirementFirstSatisfiedMs,
		CreatedMs:                   ctx.CreatedMs,
		LastTouchedMs:               ctx.LastTouchedMs,
		SequenceVersion:             ctx.SequenceVersion,
	})
	if err != nil {
		return nil, err
	}

	batch := wire.Batch{Records: make([]wire.Record, 0, len(ctx.Sequence))}
	for _, e := range ctx.Sequence {
		kind := wire.KindCorrelated
		if strings.HasPrefix(e.CorrelationKey, uncorrelatedKeyPrefix) {
			kind = wire.KindNonCorrelated
		}
		data := e.Raw
		if len(data) == 0 && e.Parsed != nil {
			data = laika.MustJSON(e.Parsed)
		}
		batch.Records = append(batch.Records, wire.Record{
			Kind:       kind,
			ReceivedMs: e.ReceivedMs,
			ID:         e.CorrelationKey,
			EventType:  e.EventType,
			Data:       data,
		})
	}

	out := binary.AppendUvarint(nil, uint64(len(header)))
	out = append(out, header...)
	return append(out, batch.Encode()...), nil
}

func decodeContext(data []byte) (*laika.Context, error) {
	headerLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < headerLen {
		return nil, fmt.Errorf("store: truncated context header")
	}
	var header contextHeader
	if err := gobDecode(data[n:n+int(headerLen)], &header); err != nil {
		return nil, err
	}

	batch, err := wire.DecodeBatch(data[n+int(headerLen):])
	if err != nil {
		return nil, err
	}

	ctx := &laika.Context{
		Key:                         header.Key,
		PendingTimers:               header.PendingTimers,
		RuleFired:                   header.RuleFired,
		RequirementFirstSatisfiedMs: header.RequirementFirstSatisfiedMs,
		CreatedMs:                   header.CreatedMs,
		LastTouchedMs:               header.LastTouchedMs,
		SequenceVersion:             header.SequenceVersion,
	}
	if ctx.RuleFired == nil {
		ctx.RuleFired = make(map[string]bool)
	}
	if ctx.RequirementFirstSatisfiedMs == nil {
		ctx.RequirementFirstSatisfiedMs = make(map[string]int64)
	}

	ctx.Sequence = make([]laika.TypedEvent, 0, len(batch.Records))
	for _, r := range batch.Records {
		var parsed map[string]any
		if len(r.Data) > 0 {
			// Best-effort: Data holds the original payload, which for
			// JSON sources re-parses into the structured form scripts
			// consume. Non-JSON payloads keep Parsed nil.
			_ = json.Unmarshal(r.Data, &parsed)
		}
		ctx.Sequence = append(ctx.Sequence, laika.TypedEvent{
			EventType:      r.EventType,
			CorrelationKey: r.ID,
			ReceivedMs:     r.ReceivedMs,
			Parsed:         parsed,
			Raw:            r.Data,
		})
	}
	return ctx, nil
}

// clockNowMs is overridable in tests that need deterministic timestamps.
var clockNowMs = func() int64 { return time.Now().UnixMilli() }
