// Package memworld is an in-process world: spaces with a sparse cell map,
// movable occupants and per-actor selections.
package memworld

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"minekeeper/internal/mine"
	"minekeeper/internal/world"
)

// World implements world.Resolver and world.Selector.
type World struct {
	mu         sync.RWMutex
	spaces     map[string]*Space
	selections map[string]selection
}

type selection struct {
	space  string
	c1, c2 mine.Point
}

func New(spaceIDs ...string) *World {
	w := &World{
		spaces:     map[string]*Space{},
		selections: map[string]selection{},
	}
	for _, id := range spaceIDs {
		w.AddSpace(id)
	}
	return w
}

// AddSpace creates (or returns) the space with the given id.
func (w *World) AddSpace(id string) *Space {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.spaces[id]; ok {
		return s
	}
	s := &Space{id: id, cells: map[mine.Point]mine.Kind{}, occupants: map[string]*Occupant{}}
	w.spaces[id] = s
	return s
}

// RemoveSpace simulates an unloaded space.
func (w *World) RemoveSpace(id string) {
	w.mu.Lock()
	delete(w.spaces, id)
	w.mu.Unlock()
}

func (w *World) Space(id string) (world.Space, error) {
	w.mu.RLock()
	s, ok := w.spaces[id]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", world.ErrSpaceNotFound, id)
	}
	return s, nil
}

// Lookup returns the concrete space.
func (w *World) Lookup(id string) (*Space, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.spaces[id]
	return s, ok
}

// Select records an actor's selection.
func (w *World) Select(actor, space string, c1, c2 mine.Point) {
	w.mu.Lock()
	w.selections[actor] = selection{space: space, c1: c1, c2: c2}
	w.mu.Unlock()
}

func (w *World) Selection(actor string) (string, mine.Point, mine.Point, error) {
	w.mu.RLock()
	sel, ok := w.selections[actor]
	w.mu.RUnlock()
	if !ok {
		return "", mine.Point{}, mine.Point{}, fmt.Errorf("%w: %s", world.ErrNoSelection, actor)
	}
	return sel.space, sel.c1, sel.c2, nil
}

// Space is a sparse cell map plus the occupants standing in it.
type Space struct {
	id string

	mu        sync.RWMutex
	cells     map[mine.Point]mine.Kind
	occupants map[string]*Occupant

	// OnSetCell, when set, runs before each cell write.
	OnSetCell func(p mine.Point, k mine.Kind)
}

func (s *Space) ID() string { return s.id }

func (s *Space) SetCell(p mine.Point, k mine.Kind) error {
	if hook := s.OnSetCell; hook != nil {
		hook(p, k)
	}
	s.mu.Lock()
	s.cells[p] = k
	s.mu.Unlock()
	return nil
}

// Cell returns the kind at p, or "" when unset.
func (s *Space) Cell(p mine.Point) mine.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells[p]
}

// Count returns how many cells in box hold each kind.
func (s *Space) Count(box mine.Box) map[mine.Kind]int {
	out := map[mine.Kind]int{}
	s.mu.RLock()
	defer s.mu.RUnlock()
	box.Each(func(p mine.Point) bool {
		if k, ok := s.cells[p]; ok {
			out[k]++
		}
		return true
	})
	return out
}

func (s *Space) Occupants(box mine.Box) []world.Occupant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.occupants))
	for id, o := range s.occupants {
		if box.ContainsLocation(o.Position()) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]world.Occupant, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.occupants[id])
	}
	return out
}

// Join places a new occupant at loc.
func (s *Space) Join(id string, loc mine.Location) *Occupant {
	o := &Occupant{id: id, pos: loc}
	s.mu.Lock()
	s.occupants[id] = o
	s.mu.Unlock()
	return o
}

// Occupant is a movable actor. Its relocation primitives can be made to
// fail for tests.
type Occupant struct {
	id string

	mu  sync.Mutex
	pos mine.Location

	AsyncErr error
	SyncErr  error
}

func (o *Occupant) ID() string { return o.id }

func (o *Occupant) Position() mine.Location {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pos
}

func (o *Occupant) TeleportAsync(ctx context.Context, to mine.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.AsyncErr != nil {
		return o.AsyncErr
	}
	o.moveTo(to)
	return nil
}

func (o *Occupant) Teleport(to mine.Location) error {
	if o.SyncErr != nil {
		return o.SyncErr
	}
	o.moveTo(to)
	return nil
}

func (o *Occupant) moveTo(to mine.Location) {
	o.mu.Lock()
	o.pos = to
	o.mu.Unlock()
}

var (
	_ world.Resolver = (*World)(nil)
	_ world.Selector = (*World)(nil)
	_ world.Space    = (*Space)(nil)
	_ world.Occupant = (*Occupant)(nil)
)
