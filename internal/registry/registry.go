// Package registry owns the live mines and, for each, at most one pending
// timer handle.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"minekeeper/internal/host"
	"minekeeper/internal/mine"
)

var ErrExists = errors.New("mine already registered")

// Entry is the registry slot of one mine.
type Entry struct {
	mine *mine.Mine

	// run serializes occurrences of this mine.
	run sync.Mutex

	mu      sync.Mutex
	handle  host.Handle
	gen     uint64
	removed bool
}

func (e *Entry) Mine() *mine.Mine { return e.mine }

// Lock and Unlock guard a single occurrence of the mine.
func (e *Entry) Lock()   { e.run.Lock() }
func (e *Entry) Unlock() { e.run.Unlock() }

// Arm cancels any pending handle and installs the one returned by arm,
// which receives the new generation. It returns false, without calling arm,
// once the entry has been removed.
func (e *Entry) Arm(arm func(gen uint64) host.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.gen++
	e.handle = arm(e.gen)
	return true
}

// Disarm cancels the pending handle, if any, and bumps the generation so an
// in-flight callback sees itself as stale.
func (e *Entry) Disarm() {
	e.mu.Lock()
	e.disarmLocked()
	e.mu.Unlock()
}

func (e *Entry) disarmLocked() {
	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.gen++
}

// Current reports whether gen is still the live generation.
func (e *Entry) Current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed && e.gen == gen
}

// Armed reports whether a handle is installed.
func (e *Entry) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}

// Removed reports whether the entry left the registry.
func (e *Entry) Removed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

// Registry maps mine id to Entry. Reads never block on unrelated writers.
type Registry struct {
	m sync.Map // string -> *Entry
	n atomic.Int64
}

func New() *Registry { return &Registry{} }

// Insert adds m, failing with ErrExists when the id is taken.
func (r *Registry) Insert(m *mine.Mine) (*Entry, error) {
	e := &Entry{mine: m}
	if _, loaded := r.m.LoadOrStore(m.ID(), e); loaded {
		return nil, ErrExists
	}
	r.n.Add(1)
	return e, nil
}

func (r *Registry) Entry(id string) (*Entry, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (r *Registry) Get(id string) (*mine.Mine, bool) {
	e, ok := r.Entry(id)
	if !ok {
		return nil, false
	}
	return e.mine, true
}

// Remove takes id out of the registry and cancels its timer in the same
// step; a callback that already fired sees the entry as removed and does
// not re-arm.
func (r *Registry) Remove(id string) (*mine.Mine, bool) {
	v, ok := r.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.n.Add(-1)
	e := v.(*Entry)
	e.mu.Lock()
	e.removed = true
	e.disarmLocked()
	e.mu.Unlock()
	return e.mine, true
}

// List returns a snapshot of all mines sorted by id.
func (r *Registry) List() []*mine.Mine {
	out := make([]*mine.Mine, 0, r.Len())
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*Entry).mine)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Entries returns a snapshot of all entries sorted by mine id.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, r.Len())
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*Entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].mine.ID() < out[j].mine.ID() })
	return out
}

func (r *Registry) Len() int { return int(r.n.Load()) }

// Clear removes every entry, cancelling their timers, and returns the
// removed mines.
func (r *Registry) Clear() []*mine.Mine {
	var out []*mine.Mine
	for _, e := range r.Entries() {
		if m, ok := r.Remove(e.mine.ID()); ok {
			out = append(out, m)
		}
	}
	return out
}
