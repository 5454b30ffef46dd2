package mine

import (
	"fmt"
	"strconv"
	"strings"
)

// Point is an integer cell coordinate.
type Point struct {
	X, Y, Z int
}

func (p Point) String() string {
	return strconv.Itoa(p.X) + "," + strconv.Itoa(p.Y) + "," + strconv.Itoa(p.Z)
}

// ParsePoint parses "x,y,z".
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return Point{}, fmt.Errorf("point %q: want x,y,z", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Point{}, fmt.Errorf("point %q: %w", s, err)
		}
		v[i] = n
	}
	return Point{X: v[0], Y: v[1], Z: v[2]}, nil
}

// Box is an axis-aligned box with inclusive bounds. Min <= Max on every axis.
type Box struct {
	Min, Max Point
}

// BoxOf normalizes two corners in any order into a Box.
func BoxOf(a, b Point) Box {
	return Box{
		Min: Point{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max: Point{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

// Size returns the per-axis extents.
func (b Box) Size() Point {
	return Point{
		X: b.Max.X - b.Min.X + 1,
		Y: b.Max.Y - b.Min.Y + 1,
		Z: b.Max.Z - b.Min.Z + 1,
	}
}

// Cells is the number of cells covered by the box.
func (b Box) Cells() int {
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Contains tests whether p lies inside the box, bounds included.
func (b Box) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsLocation tests the cell a location falls in.
func (b Box) ContainsLocation(l Location) bool {
	return b.Contains(l.Cell())
}

// Each calls fn for every cell in x, z, y order, stopping early when fn
// returns false.
func (b Box) Each(fn func(Point) bool) {
	for x := b.Min.X; x <= b.Max.X; x++ {
		for z := b.Min.Z; z <= b.Max.Z; z++ {
			for y := b.Min.Y; y <= b.Max.Y; y++ {
				if !fn(Point{X: x, Y: y, Z: z}) {
					return
				}
			}
		}
	}
}

// Center returns the horizontal midpoint of the box at its lower bound.
func (b Box) Center() Location {
	return Location{
		X: float64(b.Min.X+b.Max.X) / 2,
		Y: float64(b.Min.Y),
		Z: float64(b.Min.Z+b.Max.Z) / 2,
	}
}

// Location is a precise position with facing.
type Location struct {
	X, Y, Z    float64
	Yaw, Pitch float32
}

// Cell is the cell containing l.
func (l Location) Cell() Point {
	return Point{X: floor(l.X), Y: floor(l.Y), Z: floor(l.Z)}
}

// DistanceSq is the squared euclidean distance between two locations.
func (l Location) DistanceSq(o Location) float64 {
	dx, dy, dz := l.X-o.X, l.Y-o.Y, l.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

func (l Location) String() string {
	return fmt.Sprintf("%g,%g,%g,%g,%g", l.X, l.Y, l.Z, l.Yaw, l.Pitch)
}

// ParseLocation parses "x,y,z[,yaw,pitch]".
func ParseLocation(s string) (Location, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 && len(parts) != 5 {
		return Location{}, fmt.Errorf("location %q: want x,y,z[,yaw,pitch]", s)
	}
	var v [5]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Location{}, fmt.Errorf("location %q: %w", s, err)
		}
		v[i] = f
	}
	return Location{X: v[0], Y: v[1], Z: v[2], Yaw: float32(v[3]), Pitch: float32(v[4])}, nil
}

func floor(f float64) int {
	i := int(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return i
}
