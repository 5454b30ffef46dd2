// Package mine holds the region entity and the content generator that fills
// it.
package mine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var errEmptyID = errors.New("empty mine id")

// Mine is one independently scheduled resource region.
//
// Identity and bounds are fixed at construction. Timing, recipe and anchor
// are guarded by mu; lastReset and nextReset always change together.
type Mine struct {
	id    string
	space string
	c1    Point
	c2    Point
	box   Box

	mu        sync.RWMutex
	interval  time.Duration
	recipe    Recipe
	lastReset time.Time
	nextReset time.Time
	anchor    *Location
}

// Spec describes a mine to construct.
type Spec struct {
	ID        string
	Space     string
	Corner1   Point
	Corner2   Point
	Interval  time.Duration
	Recipe    Recipe
	LastReset time.Time
	Anchor    *Location
}

// New builds a mine. Interval floors are enforced by callers; New only
// requires a positive interval. An empty recipe becomes FallbackRecipe.
func New(s Spec) (*Mine, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil, errEmptyID
	}
	interval := s.Interval.Truncate(time.Second)
	if interval <= 0 {
		return nil, fmt.Errorf("mine %q: interval must be at least 1s, got %s", id, s.Interval)
	}
	m := &Mine{
		id:    id,
		space: s.Space,
		c1:    s.Corner1,
		c2:    s.Corner2,
		box:   BoxOf(s.Corner1, s.Corner2),
	}
	m.interval = interval
	m.recipe = sanitize(s.Recipe)
	m.setLastResetLocked(s.LastReset)
	if s.Anchor != nil {
		a := *s.Anchor
		m.anchor = &a
	}
	return m, nil
}

func sanitize(r Recipe) Recipe {
	out := make(Recipe, len(r))
	for k, w := range r {
		if k == "" || !ValidWeight(w) {
			continue
		}
		out[k] = w
	}
	if len(out) == 0 {
		return FallbackRecipe()
	}
	return out
}

func (m *Mine) ID() string    { return m.id }
func (m *Mine) Space() string { return m.space }
func (m *Mine) Box() Box      { return m.box }

// Corners returns the two corners as given at construction.
func (m *Mine) Corners() (Point, Point) { return m.c1, m.c2 }

// CellCount is the product of the per-axis extents.
func (m *Mine) CellCount() int { return m.box.Cells() }

// BoundsLabel renders the extents as "XxYxZ".
func (m *Mine) BoundsLabel() string {
	s := m.box.Size()
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

func (m *Mine) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// SetInterval changes the period and recomputes the next reset.
func (m *Mine) SetInterval(d time.Duration) error {
	whole := d.Truncate(time.Second)
	if whole <= 0 {
		return fmt.Errorf("mine %q: interval must be at least 1s, got %s", m.id, d)
	}
	m.mu.Lock()
	m.interval = whole
	m.nextReset = m.lastReset.Add(m.interval)
	m.mu.Unlock()
	return nil
}

func (m *Mine) LastReset() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReset
}

func (m *Mine) NextReset() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextReset
}

// Timing returns lastReset, nextReset and interval as one consistent read.
func (m *Mine) Timing() (last, next time.Time, interval time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReset, m.nextReset, m.interval
}

// SetLastReset records a completed reset at t.
func (m *Mine) SetLastReset(t time.Time) {
	m.mu.Lock()
	m.setLastResetLocked(t)
	m.mu.Unlock()
}

func (m *Mine) setLastResetLocked(t time.Time) {
	m.lastReset = t.Truncate(time.Millisecond)
	m.nextReset = m.lastReset.Add(m.interval)
}

// TimeRemaining is max(0, nextReset - now).
func (m *Mine) TimeRemaining(now time.Time) time.Duration {
	d := m.NextReset().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FormattedTimeRemaining renders TimeRemaining as "Xh Ym", "Xm Ys" or "Xs".
func (m *Mine) FormattedTimeRemaining(now time.Time) string {
	return FormatRemaining(m.TimeRemaining(now))
}

// Recipe returns a copy of the recipe. Changes to it must be written back
// with SetRecipe.
func (m *Mine) Recipe() Recipe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recipe.Clone()
}

// SetRecipe replaces the recipe; an empty one stores FallbackRecipe.
func (m *Mine) SetRecipe(r Recipe) {
	clean := sanitize(r)
	m.mu.Lock()
	m.recipe = clean
	m.mu.Unlock()
}

// Anchor returns the evacuation anchor, if set.
func (m *Mine) Anchor() (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.anchor == nil {
		return Location{}, false
	}
	return *m.anchor, true
}

func (m *Mine) SetAnchor(l Location) {
	m.mu.Lock()
	m.anchor = &l
	m.mu.Unlock()
}

func (m *Mine) ClearAnchor() {
	m.mu.Lock()
	m.anchor = nil
	m.mu.Unlock()
}

// SafeLocation is where occupants are sent before a reset: the anchor when
// set, else the horizontal center two cells above the top of the box.
func (m *Mine) SafeLocation() Location {
	if a, ok := m.Anchor(); ok {
		return a
	}
	c := m.box.Center()
	c.Y = float64(m.box.Max.Y + 2)
	return c
}

// Center is the geometric center of the box.
func (m *Mine) Center() Location {
	c := m.box.Center()
	c.Y = float64(m.box.Min.Y+m.box.Max.Y) / 2
	return c
}
