package pointcloud

import (
	"fmt"
	"math"
)

// Convention selects how the polar angle (Angle2) of a sample is read.
type Convention string

const (
	// ConventionStandard treats Angle2 as the polar angle from vertical:
	// 0° straight up, 90° on the horizontal plane, 180° straight down.
	ConventionStandard Convention = "standard"
	// ConventionFloorRelative treats Angle2 as a sensor-native angle where 0°
	// is vertical and FloorAngle is horizontal. It is rescaled linearly to
	// the standard range before conversion.
	ConventionFloorRelative Convention = "floor-relative"
)

// DefaultFloorAngle is the horizontal reading of the pan/tilt rig.
const DefaultFloorAngle = 60.0

// TransformConfig carries every coordinate-convention constant needed to
// convert a RawSample. Nothing about the convention is implicit.
type TransformConfig struct {
	Convention Convention `json:"convention"`
	// FloorAngle is the raw Angle2 value that means "horizontal". Only used
	// by ConventionFloorRelative.
	FloorAngle float64 `json:"floor_angle,omitempty"`
	// AzimuthOffset (degrees) is added to Angle1 before conversion to undo
	// the sensor's mounting rotation.
	AzimuthOffset float64 `json:"azimuth_offset,omitempty"`
	// Scale multiplies the distance (unit conversion). Zero means 1.
	Scale float64 `json:"scale,omitempty"`
}

// DefaultTransformConfig returns the standard spherical convention with no
// offset or scaling.
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{Convention: ConventionStandard, Scale: 1}
}

// Validate checks the configuration is usable.
func (c TransformConfig) Validate() error {
	switch c.Convention {
	case ConventionStandard, "":
	case ConventionFloorRelative:
		if !(c.FloorAngle > 0) || !finite(c.FloorAngle) {
			return fmt.Errorf("floor-relative convention requires a positive floor_angle, got %g", c.FloorAngle)
		}
	default:
		return fmt.Errorf("unknown coordinate convention %q", c.Convention)
	}
	if c.Scale < 0 || !finite(c.Scale) {
		return fmt.Errorf("scale must be a non-negative finite number, got %g", c.Scale)
	}
	if !finite(c.AzimuthOffset) {
		return fmt.Errorf("azimuth_offset must be finite")
	}
	return nil
}

// StandardPolar maps a raw Angle2 reading to the standard polar angle
// (degrees from vertical) under the configured convention.
func (c TransformConfig) StandardPolar(raw float64) float64 {
	if c.Convention == ConventionFloorRelative && c.FloorAngle > 0 {
		return raw * (90.0 / c.FloorAngle)
	}
	return raw
}

// ToCartesian converts a distance and one or two angles (degrees) into
// sensor-frame Cartesian coordinates. With angle2 nil the sensor is planar
// and z is 0. A zero distance always lands on the origin.
func (c TransformConfig) ToCartesian(distance, angle1 float64, angle2 *float64) (x, y, z float64) {
	d := distance
	if c.Scale > 0 {
		d *= c.Scale
	}
	theta := angle1 + c.AzimuthOffset
	if angle2 == nil {
		return PolarToCartesian(d, theta)
	}
	return SphericalToCartesian(d, theta, c.StandardPolar(*angle2))
}

// Apply converts a validated sample into a Point, stamping the merge key
// from keys.
func (c TransformConfig) Apply(s RawSample, keys KeyConfig) (Point, error) {
	if err := s.Validate(); err != nil {
		return Point{}, err
	}
	x, y, z := c.ToCartesian(s.Distance, s.Angle1, s.Angle2)
	p := Point{X: x, Y: y, Z: z, Intensity: s.Intensity}
	return p.WithKey(keys.SampleKey(s)), nil
}

// ApplyAll converts a batch, stopping at the first invalid sample so a
// malformed message never half-integrates.
func (c TransformConfig) ApplyAll(samples []RawSample, keys KeyConfig) ([]Point, error) {
	out := make([]Point, 0, len(samples))
	for i, s := range samples {
		p, err := c.Apply(s, keys)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// SphericalToCartesian converts distance, azimuth θ (degrees) and polar
// angle φ (degrees from vertical) to Cartesian coordinates.
// Coordinate convention: Z=up, θ measured from +X towards +Y.
func SphericalToCartesian(distance, azimuthDeg, polarDeg float64) (x, y, z float64) {
	theta := azimuthDeg * math.Pi / 180.0
	phi := polarDeg * math.Pi / 180.0

	sinPhi := math.Sin(phi)
	x = distance * sinPhi * math.Cos(theta)
	y = distance * sinPhi * math.Sin(theta)
	z = distance * math.Cos(phi)
	return
}

// PolarToCartesian is the planar case of SphericalToCartesian (φ = 90°)
// with z pinned to exactly zero.
func PolarToCartesian(distance, azimuthDeg float64) (x, y, z float64) {
	theta := azimuthDeg * math.Pi / 180.0
	return distance * math.Cos(theta), distance * math.Sin(theta), 0
}
