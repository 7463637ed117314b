// Package worker implements a single-instance slot registry: one slot per
// worker kind (transcription, batch, realtime, folder monitor), each holding
// at most one live worker at a time.
package worker

import "sync"

// Kind enumerates the four worker kinds the registry tracks.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindBatch          Kind = "batch"
	KindRealtime       Kind = "realtime"
	KindFolderMonitor  Kind = "folder_monitor"
)

// Worker is anything a slot can hold. IsLive reports whether the worker's
// OS thread has started and not yet exited — the slot uses this to decide
// whether a stale occupant may be replaced without an explicit Clear.
type Worker interface {
	IsLive() bool
}

// slot holds at most one live Worker.
type slot struct {
	mu       sync.Mutex
	occupant Worker
}

// tryAcquire succeeds if the slot is empty, or if the current occupant is
// no longer live.
func (s *slot) tryAcquire(w Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.occupant == nil || !s.occupant.IsLive() {
		s.occupant = w
		return true
	}
	return false
}

func (s *slot) get() Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupant
}

func (s *slot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupant = nil
}

func (s *slot) set(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupant = w
}

// Registry is the process-wide worker slot registry. Create it with
// NewRegistry; the zero value has no slots and every operation on it
// panics. All operations are mutex-guarded independently per slot, so
// different kinds never contend with each other.
type Registry struct {
	slots map[Kind]*slot
}

// NewRegistry creates a registry with one empty slot per known Kind.
func NewRegistry() *Registry {
	r := &Registry{slots: make(map[Kind]*slot, 4)}
	for _, k := range []Kind{KindTranscription, KindBatch, KindRealtime, KindFolderMonitor} {
		r.slots[k] = &slot{}
	}
	return r
}

func (r *Registry) slotFor(k Kind) *slot {
	s, ok := r.slots[k]
	if !ok {
		// Unknown kinds are programmer error, not a runtime condition a
		// caller can recover from meaningfully; fail fast rather than
		// silently creating an unregistered slot that bypasses exclusion.
		panic("worker: unknown kind " + string(k))
	}
	return s
}

// TrySet attempts to claim the slot for kind with w. Returns false if the
// slot is occupied by a still-live worker (conflict — caller responds 409).
func (r *Registry) TrySet(k Kind, w Worker) bool {
	return r.slotFor(k).tryAcquire(w)
}

// Get returns the current occupant of the slot, or nil if empty.
func (r *Registry) Get(k Kind) Worker {
	return r.slotFor(k).get()
}

// Clear unconditionally empties the slot. Used by the worker itself after
// it has fully exited.
func (r *Registry) Clear(k Kind) {
	r.slotFor(k).clear()
}

// Set unconditionally replaces the slot's occupant. Used only where the
// caller has already established exclusivity some other way.
func (r *Registry) Set(k Kind, w Worker) {
	r.slotFor(k).set(w)
}

// SetEmpty is Set(k, nil) spelled out for call-site clarity.
func (r *Registry) SetEmpty(k Kind) {
	r.slotFor(k).set(nil)
}
