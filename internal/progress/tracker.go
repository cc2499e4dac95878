// Package progress tracks live download/compression percentages for UI
// polling. Trackers are constructed and injected explicitly; there is no
// package-global state.
package progress

import (
	"sync"
	"time"

	"github.com/varchive/varchive/internal/port"
)

// Tracker is a keyed progress map safe for many concurrent producers and
// readers. One instance per concern (downloads, compressions).
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]port.ProgressEntry
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]port.ProgressEntry),
	}
}

func (t *Tracker) Update(key string, entry port.ProgressEntry) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.entries[key] = entry
	t.mu.Unlock()
}

func (t *Tracker) Get(key string) (port.ProgressEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Snapshot returns a copy safe to serialize while producers keep writing.
func (t *Tracker) Snapshot() map[string]port.ProgressEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]port.ProgressEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Clear drops all entries and returns how many were dropped.
func (t *Tracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.entries = make(map[string]port.ProgressEntry)
	return n
}

var _ port.ProgressStore = (*Tracker)(nil)
