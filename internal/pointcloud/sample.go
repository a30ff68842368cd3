package pointcloud

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSample is returned when a sample or point carries values that
// cannot be placed in space (negative distance, NaN, Inf).
var ErrInvalidSample = errors.New("invalid sample")

// RawSample is one sensor reading in the sensor's native polar form.
type RawSample struct {
	// Distance is the measured range in sensor units. Must be >= 0.
	Distance float64 `json:"distance"`
	// Angle1 is the azimuth in degrees.
	Angle1 float64 `json:"angle1"`
	// Angle2 is the polar angle in degrees. Nil for planar sensors.
	Angle2 *float64 `json:"angle2,omitempty"`
	// Intensity is the signal strength reported alongside the range.
	Intensity float64 `json:"intensity"`
	// Beam is a decoder-assigned index used for the merge key when present.
	// Must be >= 0.
	Beam *int64 `json:"beam,omitempty"`
}

// Validate reports whether the sample can be converted.
func (s RawSample) Validate() error {
	if !finite(s.Distance) || !finite(s.Angle1) || !finite(s.Intensity) {
		return fmt.Errorf("%w: non-finite field in %+v", ErrInvalidSample, s)
	}
	if s.Angle2 != nil && !finite(*s.Angle2) {
		return fmt.Errorf("%w: non-finite angle2", ErrInvalidSample)
	}
	if s.Distance < 0 {
		return fmt.Errorf("%w: negative distance %g", ErrInvalidSample, s.Distance)
	}
	if s.Beam != nil && *s.Beam < 0 {
		return fmt.Errorf("%w: negative beam index %d", ErrInvalidSample, *s.Beam)
	}
	return nil
}

// Point is a sample after conversion to Cartesian space.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Intensity float64 `json:"intensity"`
	// Key identifies the beam/azimuth slot for merge-by-key integration.
	Key *int64 `json:"key,omitempty"`
}

// Validate reports whether every coordinate is finite.
func (p Point) Validate() error {
	if !finite(p.X) || !finite(p.Y) || !finite(p.Z) || !finite(p.Intensity) {
		return fmt.Errorf("%w: non-finite point %+v", ErrInvalidSample, p)
	}
	return nil
}

// Range returns the distance of the point from the sensor origin.
func (p Point) Range() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// WithKey returns a copy of p with its merge key set.
func (p Point) WithKey(k int64) Point {
	p.Key = &k
	return p
}

// PointSet is an immutable view of the store: the points in integration
// order plus the bounds computed over exactly those points.
type PointSet struct {
	Points []Point `json:"points"`
	Bounds Bounds  `json:"bounds"`
}

// Len returns the number of points in the set.
func (s PointSet) Len() int { return len(s.Points) }

// NewPointSet builds a set over a copy of points with freshly computed bounds.
func NewPointSet(points []Point) PointSet {
	cp := make([]Point, len(points))
	copy(cp, points)
	return PointSet{Points: cp, Bounds: ComputeBounds(cp)}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float64 returns a pointer to v; handy for optional angles.
func Float64(v float64) *float64 { return &v }
