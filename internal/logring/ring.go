// Package logring holds captured service output in a bounded in-memory
// buffer shared between the per-stream reader goroutines and the query path.
package logring

import "sync"

// Entry is one captured line of service output.
type Entry struct {
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	IsStderr  bool   `json:"is_stderr"`
}

// DefaultCapacity bounds the buffer; oldest entries are evicted first.
const DefaultCapacity = 1000

// Ring is a mutex-guarded append-only buffer with oldest-first eviction.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{cap: capacity}
}

// Append adds an entry, evicting the oldest entries beyond capacity.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if excess := len(r.entries) - r.cap; excess > 0 {
		r.entries = append(r.entries[:0:0], r.entries[excess:]...)
	}
}

// Tail returns up to limit of the most recent entries in chronological
// order, optionally filtered by service identity (empty filter = all).
func (r *Ring) Tail(service string, limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if service == "" || e.Service == service {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Entry, len(filtered))
	copy(out, filtered)
	return out
}

// Len reports the current number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear empties the buffer.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
