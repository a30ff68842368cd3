package pointcloud

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Bounds holds per-axis and intensity extrema over a point collection.
// When Empty is true the min/max fields carry no meaning and callers must not
// derive ratios from them.
type Bounds struct {
	Empty        bool    `json:"empty"`
	MinX         float64 `json:"min_x"`
	MaxX         float64 `json:"max_x"`
	MinY         float64 `json:"min_y"`
	MaxY         float64 `json:"max_y"`
	MinZ         float64 `json:"min_z"`
	MaxZ         float64 `json:"max_z"`
	MinIntensity float64 `json:"min_intensity"`
	MaxIntensity float64 `json:"max_intensity"`
}

// EmptyBounds is the sentinel for a collection with no points.
func EmptyBounds() Bounds {
	return Bounds{Empty: true}
}

// ComputeBounds finds all extrema in a single pass over points.
func ComputeBounds(points []Point) Bounds {
	if len(points) == 0 {
		return EmptyBounds()
	}
	b := newOpenBounds()
	for i := range points {
		b.extend(&points[i])
	}
	return b
}

// newOpenBounds returns inverted infinite bounds ready to be extended.
func newOpenBounds() Bounds {
	return Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
		MinZ: math.Inf(1), MaxZ: math.Inf(-1),
		MinIntensity: math.Inf(1), MaxIntensity: math.Inf(-1),
	}
}

func (b *Bounds) extend(p *Point) {
	if p.X < b.MinX {
		b.MinX = p.X
	}
	if p.X > b.MaxX {
		b.MaxX = p.X
	}
	if p.Y < b.MinY {
		b.MinY = p.Y
	}
	if p.Y > b.MaxY {
		b.MaxY = p.Y
	}
	if p.Z < b.MinZ {
		b.MinZ = p.Z
	}
	if p.Z > b.MaxZ {
		b.MaxZ = p.Z
	}
	if p.Intensity < b.MinIntensity {
		b.MinIntensity = p.Intensity
	}
	if p.Intensity > b.MaxIntensity {
		b.MaxIntensity = p.Intensity
	}
}

// Center returns the midpoint of the bounding box. The origin for empty
// bounds.
func (b Bounds) Center() r3.Vec {
	if b.Empty {
		return r3.Vec{}
	}
	return r3.Vec{
		X: (b.MinX + b.MaxX) / 2,
		Y: (b.MinY + b.MaxY) / 2,
		Z: (b.MinZ + b.MaxZ) / 2,
	}
}

// Ranges returns the per-axis extents with zero-width axes replaced by 1.
func (b Bounds) Ranges() (x, y, z float64) {
	if b.Empty {
		return 1, 1, 1
	}
	return unitIfZero(b.MaxX - b.MinX), unitIfZero(b.MaxY - b.MinY), unitIfZero(b.MaxZ - b.MinZ)
}

// IntensityRange returns the intensity extent, or 1 when degenerate.
func (b Bounds) IntensityRange() float64 {
	if b.Empty {
		return 1
	}
	return unitIfZero(b.MaxIntensity - b.MinIntensity)
}

// HalfDiagonal is the largest possible distance from Center to a point
// inside the box, computed from the unit-substituted ranges.
func (b Bounds) HalfDiagonal() float64 {
	x, y, z := b.Ranges()
	return r3.Norm(r3.Vec{X: x / 2, Y: y / 2, Z: z / 2})
}

func unitIfZero(v float64) float64 {
	if v == 0 || !finite(v) {
		return 1
	}
	return v
}
