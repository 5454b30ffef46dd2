package mines

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"minekeeper/internal/mine"
)

// Status thresholds on the time left until the next reset.
const (
	ResettingSoon = time.Minute
	ActiveWindow  = 5 * time.Minute
)

// Stats aggregates all mines.
type Stats struct {
	Total           int
	Active          int
	Resetting       int
	TotalCells      int
	AverageInterval time.Duration
}

// Stats summarizes every mine at now. A mine due within ResettingSoon
// counts as resetting, any other as active.
func (s *Service) Stats(now time.Time) Stats {
	var (
		st  Stats
		sum time.Duration
	)
	for _, m := range s.reg.List() {
		st.Total++
		st.TotalCells += m.CellCount()
		sum += m.Interval()
		if m.TimeRemaining(now) < ResettingSoon {
			st.Resetting++
		} else {
			st.Active++
		}
	}
	if st.Total > 0 {
		st.AverageInterval = (sum / time.Duration(st.Total)).Truncate(time.Second)
	}
	return st
}

// StatusLabel classifies the time left until the next reset.
func StatusLabel(remaining time.Duration) string {
	switch {
	case remaining < ResettingSoon:
		return "Resetting Soon"
	case remaining < ActiveWindow:
		return "Active"
	default:
		return "Stable"
	}
}

// Progress is the percentage of the interval already elapsed, 0..100.
func Progress(m *mine.Mine, now time.Time) float64 {
	last, _, interval := m.Timing()
	if interval <= 0 {
		return 0
	}
	p := float64(now.Sub(last)) / float64(interval) * 100
	return math.Max(0, math.Min(100, p))
}

// Attribute renders one named status attribute of m. Names are
// next_reset, next_reset_seconds, next_reset_minutes, status, progress,
// cells, size, interval, space, top_kind, top_kind_percent, kind_count and
// kind:<KIND>.
func Attribute(m *mine.Mine, name string, now time.Time) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	remaining := m.TimeRemaining(now)

	if raw, ok := strings.CutPrefix(name, "kind:"); ok {
		k, err := mine.ParseKind(raw)
		if err != nil {
			return "", false
		}
		return percent(m.Recipe().Share(k)), true
	}

	switch name {
	case "next_reset":
		return mine.FormatRemaining(remaining), true
	case "next_reset_seconds":
		return strconv.FormatInt(int64(remaining/time.Second), 10), true
	case "next_reset_minutes":
		return strconv.FormatInt(int64(remaining/time.Minute), 10), true
	case "status":
		return StatusLabel(remaining), true
	case "progress":
		return percent(Progress(m, now)), true
	case "cells":
		return m.CellLabel(), true
	case "size":
		return m.BoundsLabel(), true
	case "interval":
		return mine.FormatRemaining(m.Interval()), true
	case "space":
		return m.Space(), true
	case "top_kind", "top_kind_percent":
		r := m.Recipe()
		kinds := r.Kinds()
		if len(kinds) == 0 {
			return "", true
		}
		if name == "top_kind" {
			return string(kinds[0]), true
		}
		return percent(r.Share(kinds[0])), true
	case "kind_count":
		return strconv.Itoa(len(m.Recipe())), true
	}
	return "", false
}

// Attributes renders every fixed attribute plus kind:<KIND> for each kind in
// the recipe.
func Attributes(m *mine.Mine, now time.Time) map[string]string {
	names := []string{
		"next_reset", "next_reset_seconds", "next_reset_minutes", "status", "progress",
		"cells", "size", "interval", "space", "top_kind", "top_kind_percent", "kind_count",
	}
	out := make(map[string]string, len(names)+4)
	for _, n := range names {
		if v, ok := Attribute(m, n, now); ok {
			out[n] = v
		}
	}
	for _, k := range m.Recipe().Kinds() {
		key := "kind:" + string(k)
		if v, ok := Attribute(m, key, now); ok {
			out[key] = v
		}
	}
	return out
}

func percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// Closest returns the mine in space whose center is nearest to at.
func (s *Service) Closest(space string, at mine.Location) (*mine.Mine, bool) {
	var (
		best  *mine.Mine
		bestD = math.Inf(1)
	)
	for _, m := range s.reg.List() {
		if m.Space() != space {
			continue
		}
		if d := m.Center().DistanceSq(at); d < bestD {
			best, bestD = m, d
		}
	}
	return best, best != nil
}
