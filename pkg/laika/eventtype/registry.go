// Package eventtype holds the EventType registry the Matcher and Key
// Extractor consult. Laika event types carry no version, only a
// classifier and an optional correlation key expression, so this is a
// plain name-keyed lookup table.
package eventtype

import (
	"fmt"
	"sync"

	"github.com/go-laika/laika/pkg/laika"
)

// Registry is a thread-safe lookup table from event type name to its
// definition, validated at configuration load time. Read-heavy: every
// Dispatcher worker consults it on every record, so lookups take a read
// lock and registration (config load, once at startup) takes a write lock.
type Registry struct {
	mu    sync.RWMutex
	types map[string]laika.EventType
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]laika.EventType)}
}

// Register adds or replaces an event type definition.
func (r *Registry) Register(t laika.EventType) error {
	if t.Name == "" {
		return fmt.Errorf("eventtype: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
	return nil
}

// Get returns the event type definition by name.
func (r *Registry) Get(name string) (laika.EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Has reports whether name is a registered event type.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// All returns every registered event type, in no particular order.
func (r *Registry) All() []laika.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]laika.EventType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out
}

// Names returns every registered event type name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}
