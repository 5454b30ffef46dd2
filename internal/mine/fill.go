package mine

import (
	"math"
	"math/rand"
	"sort"
)

// Pool is a flat multiplicity list: each kind appears round(weight) times.
// Picking uniformly from it yields the weighted draw.
type Pool struct {
	kinds []Kind
}

// NewPool builds the pool for r. Zero-weight kinds are left out; when
// nothing remains the pool holds only fallback.
func NewPool(r Recipe, fallback Kind) Pool {
	names := make([]Kind, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	// Stable layout so a seeded rng reproduces the same fill.
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var kinds []Kind
	for _, k := range names {
		w := r[k]
		if math.IsNaN(w) || w <= 0 {
			continue
		}
		n := int(math.Round(w))
		for i := 0; i < n; i++ {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		if fallback == "" {
			fallback = FallbackKind
		}
		kinds = []Kind{fallback}
	}
	return Pool{kinds: kinds}
}

// Len is the pool size.
func (p Pool) Len() int { return len(p.kinds) }

// Pick draws one kind.
func (p Pool) Pick(rng *rand.Rand) Kind {
	if len(p.kinds) == 1 {
		return p.kinds[0]
	}
	return p.kinds[rng.Intn(len(p.kinds))]
}

// Generate returns one independently drawn kind per cell.
func Generate(r Recipe, cells int, fallback Kind, rng *rand.Rand) []Kind {
	if cells <= 0 {
		return []Kind{}
	}
	p := NewPool(r, fallback)
	out := make([]Kind, cells)
	for i := range out {
		out[i] = p.Pick(rng)
	}
	return out
}
