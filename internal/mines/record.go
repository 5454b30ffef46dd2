package mines

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"minekeeper/internal/mine"
	"minekeeper/internal/storage"
)

// ToRecord captures the persisted form of m.
func ToRecord(m *mine.Mine) storage.Record {
	c1, c2 := m.Corners()
	last, _, interval := m.Timing()
	rec := storage.Record{
		Name: m.ID(),
		Region: storage.Region{
			World: m.Space(),
			Pos1:  c1.String(),
			Pos2:  c2.String(),
		},
		ResetInterval: int(interval / time.Second),
		Composition:   map[string]float64{},
	}
	if !last.IsZero() {
		rec.LastReset = last.UnixMilli()
	}
	if a, ok := m.Anchor(); ok {
		rec.SpawnPoint = a.String()
	}
	for k, w := range m.Recipe() {
		rec.Composition[string(k)] = w
	}
	return rec
}

// RecordDefaults fills what a record leaves out or gets wrong.
type RecordDefaults struct {
	// Interval replaces a missing or too small reset-interval.
	Interval time.Duration
	// MinInterval is the smallest stored interval accepted; never below
	// IntervalFloor.
	MinInterval time.Duration
	// Now replaces a missing last-reset, so the mine is due one interval out.
	Now time.Time
	// Allowed, when non-nil, filters composition kinds.
	Allowed func(mine.Kind) bool
}

// FromRecord rebuilds a mine from its record. A record missing a name,
// space or corner is an error wrapping storage.ErrConfiguration. Bad
// composition entries, a bad spawn point, a bad interval and a missing
// last-reset are fixed up and reported as warnings.
func FromRecord(rec storage.Record, d RecordDefaults) (*mine.Mine, []string, error) {
	var (
		errs     []error
		warnings []string
	)
	name := strings.TrimSpace(rec.Name)
	if err := storage.ValidName(name); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(rec.Region.World) == "" {
		errs = append(errs, errors.New("region.world missing"))
	}
	c1, err := mine.ParsePoint(rec.Region.Pos1)
	if err != nil {
		errs = append(errs, fmt.Errorf("region.pos1: %w", err))
	}
	c2, err := mine.ParsePoint(rec.Region.Pos2)
	if err != nil {
		errs = append(errs, fmt.Errorf("region.pos2: %w", err))
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: mine %q: %w", storage.ErrConfiguration, name, errors.Join(errs...))
	}

	floor := max(d.MinInterval, IntervalFloor)
	fallback := max(d.Interval, floor)
	interval := time.Duration(rec.ResetInterval) * time.Second
	switch {
	case rec.ResetInterval <= 0:
		interval = fallback
		warnings = append(warnings, fmt.Sprintf("reset-interval %d invalid, using %s", rec.ResetInterval, fallback))
	case interval < floor:
		interval = fallback
		warnings = append(warnings, fmt.Sprintf("reset-interval %ds below minimum %s, using %s", rec.ResetInterval, floor, fallback))
	}

	var anchor *mine.Location
	if sp := strings.TrimSpace(rec.SpawnPoint); sp != "" {
		if l, err := mine.ParseLocation(sp); err != nil {
			warnings = append(warnings, fmt.Sprintf("spawn-point: %v", err))
		} else {
			anchor = &l
		}
	}

	recipe := make(mine.Recipe, len(rec.Composition))
	names := make([]string, 0, len(rec.Composition))
	for k := range rec.Composition {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, raw := range names {
		w := rec.Composition[raw]
		k, err := mine.ParseKind(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("composition: %v", err))
			continue
		}
		if d.Allowed != nil && !d.Allowed(k) {
			warnings = append(warnings, fmt.Sprintf("composition: kind %s not allowed", k))
			continue
		}
		if math.IsNaN(w) || !mine.ValidWeight(w) {
			warnings = append(warnings, fmt.Sprintf("composition: %s weight %v out of range", k, w))
			continue
		}
		if _, dup := recipe[k]; dup {
			warnings = append(warnings, fmt.Sprintf("composition: duplicate kind %s, keeping %q=%v", k, raw, w))
		}
		recipe[k] = w
	}

	last := d.Now
	if rec.LastReset > 0 {
		last = time.UnixMilli(rec.LastReset)
	} else {
		warnings = append(warnings, "last-reset missing, counting from load time")
	}
	m, err := mine.New(mine.Spec{
		ID:        name,
		Space:     strings.TrimSpace(rec.Region.World),
		Corner1:   c1,
		Corner2:   c2,
		Interval:  interval,
		Recipe:    recipe,
		LastReset: last,
		Anchor:    anchor,
	})
	if err != nil {
		return nil, warnings, fmt.Errorf("%w: %w", storage.ErrConfiguration, err)
	}
	return m, warnings, nil
}
