// Package reset runs one reset occurrence for one mine: evacuate everyone
// inside the box, then refill every cell from the recipe.
package reset

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"time"

	"minekeeper/internal/eventbus"
	"minekeeper/internal/mine"
	"minekeeper/internal/world"
	logx "minekeeper/pkg/logx"
)

// ErrSpaceUnavailable means the mine's space could not be resolved; the
// occurrence was skipped and the mine's timing left unchanged.
var ErrSpaceUnavailable = errors.New("space unavailable")

// PartialEvacuationError lists occupants that could not be relocated by
// either primitive. It is reported, never returned as the occurrence error.
type PartialEvacuationError struct {
	Mine   string
	Failed map[string]error
}

func (e *PartialEvacuationError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("mine %q: %d occupant(s) not evacuated: %s", e.Mine, len(ids), strings.Join(ids, ", "))
}

// Report describes one finished occurrence.
type Report struct {
	Mine      string
	Space     string
	Started   time.Time
	Finished  time.Time
	Cells     int
	Evacuated []string
	// Evacuation is a *PartialEvacuationError when some occupant stayed put.
	Evacuation error
}

func (r Report) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Executor performs reset occurrences. It is safe for concurrent use on
// different mines; callers serialize occurrences of the same mine.
type Executor struct {
	spaces   world.Resolver
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	fallback mine.Kind
	seed     func(id string) int64
}

type Option func(*Executor)

func WithBus(b eventbus.Bus) Option { return func(x *Executor) { x.bus = b } }

func WithClock(now func() time.Time) Option { return func(x *Executor) { x.now = now } }

func WithFallbackKind(k mine.Kind) Option { return func(x *Executor) { x.fallback = k } }

// WithSeed fixes the generator seed, making fills reproducible.
func WithSeed(seed int64) Option {
	return func(x *Executor) { x.seed = func(string) int64 { return seed } }
}

func New(spaces world.Resolver, log logx.Logger, opts ...Option) *Executor {
	x := &Executor{
		spaces:   spaces,
		log:      log.Or(logx.Nop()).With(logx.String("comp", "reset")),
		bus:      eventbus.Nop(),
		now:      time.Now,
		fallback: mine.FallbackKind,
		seed:     timeSeed,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

func timeSeed(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return time.Now().UnixNano() ^ int64(h.Sum64())
}

// Run performs one occurrence for m. Evacuation completes before the first
// cell is written. On success m's last reset is set to the completion time.
func (x *Executor) Run(ctx context.Context, m *mine.Mine) (Report, error) {
	rep := Report{Mine: m.ID(), Space: m.Space(), Started: x.now()}
	log := x.log.With(logx.String("mine", m.ID()), logx.String("space", m.Space()))

	sp, err := x.spaces.Space(m.Space())
	if err != nil {
		rep.Finished = x.now()
		return rep, fmt.Errorf("mine %q: %w: %w", m.ID(), ErrSpaceUnavailable, err)
	}

	rep.Evacuated, rep.Evacuation = x.evacuate(ctx, log, sp, m)
	if len(rep.Evacuated) > 0 {
		x.bus.Publish(eventbus.Event{Type: eventbus.MineEvacuated, Data: eventbus.EvacuationEvent{Mine: m.ID(), Occupants: rep.Evacuated}})
	}

	n, err := x.regenerate(ctx, sp, m)
	rep.Cells = n
	if err != nil {
		rep.Finished = x.now()
		return rep, fmt.Errorf("mine %q: regenerate: %w", m.ID(), err)
	}

	rep.Finished = x.now()
	m.SetLastReset(rep.Finished)
	return rep, nil
}

func (x *Executor) evacuate(ctx context.Context, log logx.Logger, sp world.Space, m *mine.Mine) ([]string, error) {
	occupants := sp.Occupants(m.Box())
	if len(occupants) == 0 {
		return nil, nil
	}
	target := m.SafeLocation()

	moved := make([]string, 0, len(occupants))
	var partial *PartialEvacuationError
	for _, o := range occupants {
		err := o.TeleportAsync(ctx, target)
		if err == nil {
			moved = append(moved, o.ID())
			continue
		}
		if !errors.Is(err, world.ErrUnsupported) {
			log.Debug("async relocation failed, using direct teleport", logx.String("occupant", o.ID()), logx.Err(err))
		}
		if err2 := o.Teleport(target); err2 != nil {
			if partial == nil {
				partial = &PartialEvacuationError{Mine: m.ID(), Failed: map[string]error{}}
			}
			partial.Failed[o.ID()] = errors.Join(err, err2)
			log.Warn("occupant not evacuated", logx.String("occupant", o.ID()), logx.Err(err2))
			continue
		}
		moved = append(moved, o.ID())
	}
	if partial != nil {
		return moved, partial
	}
	return moved, nil
}

// ctxCheckEvery bounds how many cells are written between context checks.
const ctxCheckEvery = 4096

func (x *Executor) regenerate(ctx context.Context, sp world.Space, m *mine.Mine) (int, error) {
	pool := mine.NewPool(m.Recipe(), x.fallback)
	rng := rand.New(rand.NewSource(x.seed(m.ID())))

	var (
		n   int
		err error
	)
	m.Box().Each(func(p mine.Point) bool {
		if n%ctxCheckEvery == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		if err = sp.SetCell(p, pool.Pick(rng)); err != nil {
			err = fmt.Errorf("cell %s: %w", p, err)
			return false
		}
		n++
		return true
	})
	return n, err
}
