package selfheal

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// serviceEntry owns one service's health record, probe and breaker.
// mu guards health and exhausted; probe and breaker never change.
type serviceEntry struct {
	name    string
	probe   HealthCheckFunc
	breaker *CircuitBreaker

	mu        sync.Mutex
	health    ServiceHealth
	exhausted map[string]bool // rule IDs that already reported max attempts
}

// snapshot returns a copy of the health record with the live breaker state.
func (e *serviceEntry) snapshot() ServiceHealth {
	e.mu.Lock()
	h := e.health.clone()
	e.mu.Unlock()

	h.BreakerState = e.breaker.State()
	return h
}

// registry maps service names to entries.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*serviceEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*serviceEntry)}
}

// put stores e, replacing any entry with the same name.
func (r *registry) put(e *serviceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.name] = e
}

func (r *registry) get(name string) (*serviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// current reports whether e is still the registered entry for its name.
func (r *registry) current(e *serviceEntry) bool {
	got, ok := r.get(e.name)
	return ok && got == e
}

func (r *registry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// list returns all entries ordered by name.
func (r *registry) list() []*serviceEntry {
	r.mu.RLock()
	out := slices.Collect(maps.Values(r.entries))
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *serviceEntry) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}
