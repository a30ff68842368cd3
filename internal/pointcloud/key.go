package pointcloud

import (
	"fmt"
	"math"
)

// DefaultKeyResolution is the azimuth bucket width in degrees. The LD19
// firmware rounds its interpolated angles to one decimal, so 0.1° buckets
// reproduce its "one point per angle" behaviour.
const DefaultKeyResolution = 0.1

// MinKeyResolution is the finest bucket width accepted. At this width the
// largest key (3.6e6 rows of 3.6e6 buckets) still fits comfortably in int64.
const MinKeyResolution = 1e-4

// KeyConfig derives stable merge keys for samples and points.
//
// Keys live in two disjoint ranges. Beam keys from a decoder-supplied index
// are negative (see BeamKey). Direction keys are non-negative and laid out
// as row*buckets + azimuth bucket, where row 0 holds planar samples and rows
// 1..buckets hold the polar-angle buckets, so a pan/tilt sweep keeps one
// point per (pan, tilt) cell.
type KeyConfig struct {
	// Resolution is the bucket width in degrees. Zero means the default.
	Resolution float64 `json:"resolution,omitempty"`
}

// Validate checks the resolution.
func (k KeyConfig) Validate() error {
	if k.Resolution < 0 || !finite(k.Resolution) {
		return fmt.Errorf("key resolution must be a non-negative finite number, got %g", k.Resolution)
	}
	if k.Resolution != 0 && k.Resolution < MinKeyResolution {
		return fmt.Errorf("key resolution %g is below the minimum %g", k.Resolution, MinKeyResolution)
	}
	if k.Resolution > 360 {
		return fmt.Errorf("key resolution %g exceeds a full turn", k.Resolution)
	}
	return nil
}

func (k KeyConfig) resolution() float64 {
	if k.Resolution >= MinKeyResolution {
		return k.Resolution
	}
	return DefaultKeyResolution
}

// buckets is the number of buckets in a full turn, and the row stride.
func (k KeyConfig) buckets() int64 {
	return int64(math.Ceil(360.0 / k.resolution()))
}

// bucket maps an angle to [0, buckets), wrapping at 360°.
func (k KeyConfig) bucket(deg float64) int64 {
	return int64(math.Round(normalizeDegrees(deg)/k.resolution())) % k.buckets()
}

// BeamKey maps a non-negative beam index into the beam key range.
func BeamKey(beam int64) int64 {
	return -1 - beam
}

// SampleKey returns the merge key for a raw sample.
func (k KeyConfig) SampleKey(s RawSample) int64 {
	if s.Beam != nil {
		return BeamKey(*s.Beam)
	}
	n := k.buckets()
	az := k.bucket(s.Angle1)
	if s.Angle2 == nil {
		return az
	}
	return (k.bucket(*s.Angle2)+1)*n + az
}

// PointKey derives a key from a Cartesian point's direction. Used for feeds
// that deliver already-converted points without a key. The polar angle is
// always derived, so points in the z=0 plane share the 90° row with
// spherical samples taken at φ=90°. The origin is filed under φ=90°.
func (k KeyConfig) PointKey(p Point) int64 {
	if p.Key != nil {
		return *p.Key
	}
	polar := 90.0
	if r := p.Range(); r > 0 {
		polar = math.Acos(math.Max(-1, math.Min(1, p.Z/r))) * 180.0 / math.Pi
	}
	return k.SampleKey(RawSample{
		Angle1: math.Atan2(p.Y, p.X) * 180.0 / math.Pi,
		Angle2: Float64(polar),
	})
}

// normalizeDegrees wraps an angle into [0, 360).
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
