// Package presence tracks currently-connected viewer sessions and when they
// joined. The registry is bookkeeping only — pairing correctness never
// depends on it; the health probe and metrics read it.
//
// All methods are safe for concurrent use.
package presence

import "sync"

// Entry is the record kept for one live connection.
type Entry struct {
	ConnID   string
	Profile  map[string]string
	JoinedAt int64 // UTC milliseconds
}

// Registry is the in-memory session table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Join records a connection. Re-joining an existing connection id refreshes
// its profile but keeps the original join time.
func (r *Registry) Join(connID string, profile map[string]string, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[connID]; ok {
		e.Profile = cloneProfile(profile)
		return
	}
	r.entries[connID] = &Entry{
		ConnID:   connID,
		Profile:  cloneProfile(profile),
		JoinedAt: nowMs,
	}
}

// SetProfile replaces the profile of a live connection.
// Reports whether the connection was present.
func (r *Registry) SetProfile(connID string, profile map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.Profile = cloneProfile(profile)
	return true
}

// Leave removes a connection. Idempotent.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, connID)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns a copy of the entry for connID.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Profile = cloneProfile(e.Profile)
	return cp, true
}

// cloneProfile copies m so callers cannot mutate registry state through a
// retained map reference. nil stays nil.
func cloneProfile(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
