package pointcloud

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSnapshot is returned when snapshot data cannot be imported.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// snapshotEntry accepts both persisted forms: a Cartesian point or a raw
// polar sample.
type snapshotEntry struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Z         *float64 `json:"z"`
	Intensity *float64 `json:"intensity"`
	Key       *int64   `json:"key"`

	Distance *float64 `json:"distance"`
	Angle1   *float64 `json:"angle1"`
	Angle2   *float64 `json:"angle2"`
	Beam     *int64   `json:"beam"`
}

// MarshalSnapshot writes set as a JSON array of points.
func MarshalSnapshot(set PointSet) ([]byte, error) {
	points := set.Points
	if points == nil {
		points = []Point{}
	}
	return json.MarshalIndent(points, "", "  ")
}

// UnmarshalSnapshot parses a JSON array of points or raw samples. Raw
// samples are converted with tc; keys only affects samples without a beam.
// The whole input is rejected if any element is invalid.
func UnmarshalSnapshot(data []byte, tc TransformConfig, keys KeyConfig) ([]Point, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrInvalidSnapshot)
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	points := make([]Point, 0, len(entries))
	for i, e := range entries {
		p, err := e.point(tc, keys)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidSnapshot, i, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func (e snapshotEntry) point(tc TransformConfig, keys KeyConfig) (Point, error) {
	intensity := 0.0
	if e.Intensity != nil {
		intensity = *e.Intensity
	}
	switch {
	case e.X != nil && e.Y != nil && e.Z != nil:
		p := Point{X: *e.X, Y: *e.Y, Z: *e.Z, Intensity: intensity, Key: e.Key}
		return p, p.Validate()
	case e.Distance != nil && e.Angle1 != nil:
		return tc.Apply(RawSample{
			Distance:  *e.Distance,
			Angle1:    *e.Angle1,
			Angle2:    e.Angle2,
			Intensity: intensity,
			Beam:      e.Beam,
		}, keys)
	}
	return Point{}, errors.New("needs x, y, z or distance, angle1")
}
