package targets

import "sync"

// DeadLetterEntry records a rendered action that exhausted its delivery
// retries.
type DeadLetterEntry struct {
	RuleID     string
	Key        string
	TargetID   string
	DeliveryID string
	Payload    []byte
	Reason     string
	FailedAtMs int64
}

// DeadLetterSink absorbs deliveries a Target kept refusing.
type DeadLetterSink interface {
	Park(e DeadLetterEntry)
}

// InMemoryDeadLetter is a bounded ring of parked entries, readable through
// Entries. Past its capacity, the oldest entry is dropped — this
// sink is an operator visibility aid, not a durable queue.
type InMemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	cap     int
}

// NewInMemoryDeadLetter returns a sink retaining at most capacity entries.
func NewInMemoryDeadLetter(capacity int) *InMemoryDeadLetter {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryDeadLetter{cap: capacity}
}

func (d *InMemoryDeadLetter) Park(e DeadLetterEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	if len(d.entries) > d.cap {
		d.entries = d.entries[len(d.entries)-d.cap:]
	}
}

// Entries returns a snapshot of currently parked entries, oldest first.
func (d *InMemoryDeadLetter) Entries() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *InMemoryDeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
