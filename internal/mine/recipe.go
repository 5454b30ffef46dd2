package mine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind names one type of cell content, in upper case.
type Kind string

// FallbackKind fills a mine whose recipe would otherwise be empty.
const FallbackKind Kind = "STONE"

// MaxWeight bounds a single recipe weight.
const MaxWeight = 100

var kindRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ParseKind normalizes s to upper case and checks its shape.
func ParseKind(s string) (Kind, error) {
	k := strings.ToUpper(strings.TrimSpace(s))
	if !kindRe.MatchString(k) {
		return "", fmt.Errorf("malformed kind %q", s)
	}
	return Kind(k), nil
}

// Recipe maps a kind to its relative weight.
type Recipe map[Kind]float64

// FallbackRecipe is the single-kind recipe used when nothing else is set.
func FallbackRecipe() Recipe { return Recipe{FallbackKind: MaxWeight} }

// Clone returns an independent copy.
func (r Recipe) Clone() Recipe {
	out := make(Recipe, len(r))
	for k, w := range r {
		out[k] = w
	}
	return out
}

// Total is the sum of all weights.
func (r Recipe) Total() float64 {
	var t float64
	for _, w := range r {
		t += w
	}
	return t
}

// Kinds returns the recipe kinds sorted by descending weight, then name.
func (r Recipe) Kinds() []Kind {
	out := make([]Kind, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if r[out[i]] != r[out[j]] {
			return r[out[i]] > r[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Share returns k's weight as a percentage of the recipe total.
func (r Recipe) Share(k Kind) float64 {
	t := r.Total()
	if t <= 0 {
		return 0
	}
	return r[k] / t * 100
}

// ValidWeight reports whether w is an acceptable weight.
func ValidWeight(w float64) bool {
	return w >= 0 && w <= MaxWeight
}
