package store

import (
	"sort"
	"sync"

	"github.com/go-laika/laika/pkg/laika"
)

// MemoryStore is an in-process Context Store. Data is lost on restart;
// suitable for tests and single-run demos, not for the crash-safety a
// production deployment needs (see SQLiteStore).
type MemoryStore struct {
	mu      sync.RWMutex
	closed  bool
	ctxs    map[string]*laika.Context
	version map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ctxs:    make(map[string]*laika.Context),
		version: make(map[string]int64),
	}
}

func (m *MemoryStore) Load(key string) (*laika.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if ctx, ok := m.ctxs[key]; ok {
		return cloneContext(ctx), nil
	}
	return laika.NewContext(key, clockNowMs()), nil
}

func (m *MemoryStore) Commit(key string, ctx *laika.Context, opVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.version[key] != opVersion {
		return ErrConflict
	}
	if ctx.IsEmpty() {
		delete(m.ctxs, key)
		delete(m.version, key)
		return nil
	}
	m.ctxs[key] = cloneContext(ctx)
	m.version[key] = ctx.SequenceVersion
	return nil
}

func (m *MemoryStore) Evict(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.ctxs, key)
	delete(m.version, key)
	return nil
}

func (m *MemoryStore) KeysWithDueTimers(nowMs int64) ([]DueTimer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var due []DueTimer
	for key, ctx := range m.ctxs {
		for _, t := range ctx.PendingTimers {
			if t.FireAtMs <= nowMs {
				due = append(due, DueTimer{Key: key, RuleID: t.RuleID, FireAtMs: t.FireAtMs})
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAtMs < due[j].FireAtMs })
	return due, nil
}

func (m *MemoryStore) IdleKeysBefore(cutoffMs int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var idle []string
	for key, ctx := range m.ctxs {
		if ctx.LastTouchedMs <= cutoffMs {
			idle = append(idle, key)
		}
	}
	sort.Strings(idle)
	return idle, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.ctxs = nil
	m.version = nil
	return nil
}

// cloneContext deep-copies the mutable collections so callers never
// observe or corrupt the store's own copy.
func cloneContext(c *laika.Context) *laika.Context {
	cp := *c
	cp.Sequence = append([]laika.TypedEvent(nil), c.Sequence...)
	cp.PendingTimers = append([]laika.PendingTimer(nil), c.PendingTimers...)
	cp.RuleFired = make(map[string]bool, len(c.RuleFired))
	for k, v := range c.RuleFired {
		cp.RuleFired[k] = v
	}
	cp.RequirementFirstSatisfiedMs = make(map[string]int64, len(c.RequirementFirstSatisfiedMs))
	for k, v := range c.RequirementFirstSatisfiedMs {
		cp.RequirementFirstSatisfiedMs[k] = v
	}
	return &cp
}
