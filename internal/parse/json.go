package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// FieldMap lists the accepted JSON names for each sample field, in priority
// order. Deployments that renamed a field extend the list instead of
// forking the decoder.
type FieldMap struct {
	Distance  []string `json:"distance,omitempty" yaml:"distance,omitempty"`
	Angle1    []string `json:"angle1,omitempty" yaml:"angle1,omitempty"`
	Angle2    []string `json:"angle2,omitempty" yaml:"angle2,omitempty"`
	Intensity []string `json:"intensity,omitempty" yaml:"intensity,omitempty"`
	Beam      []string `json:"beam,omitempty" yaml:"beam,omitempty"`
}

// DefaultFieldMap covers every field spelling seen from the sensor rigs.
// Only an explicit "beam" field is a beam index; feeds that number points
// per message (an "index" counting from zero in every packet) must not
// merge by that number, so aliases such as "index" are opt-in.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		Distance:  []string{"distance", "r", "d"},
		Angle1:    []string{"angle1", "theta", "t", "a", "azimuth", "pan_angle"},
		Angle2:    []string{"angle2", "phi", "f", "inclination", "elevation"},
		Intensity: []string{"intensity", "strength", "i"},
		Beam:      []string{"beam"},
	}
}

// withDefaults fills empty lists from DefaultFieldMap.
func (m FieldMap) withDefaults() FieldMap {
	d := DefaultFieldMap()
	if len(m.Distance) == 0 {
		m.Distance = d.Distance
	}
	if len(m.Angle1) == 0 {
		m.Angle1 = d.Angle1
	}
	if len(m.Angle2) == 0 {
		m.Angle2 = d.Angle2
	}
	if len(m.Intensity) == 0 {
		m.Intensity = d.Intensity
	}
	if len(m.Beam) == 0 {
		m.Beam = d.Beam
	}
	return m
}

// JSONDecoder decodes a single object, an array of objects, or an envelope
// object with a "points" array. Objects carrying x, y and z are taken as
// Cartesian points.
//
// Envelope objects may carry a "type": "snapshot" marks a full replacement,
// "clear" requests a clear, and any other type with no points is a control
// message (for example a registration ack) and yields an empty batch.
type JSONDecoder struct {
	Fields FieldMap
}

type envelope struct {
	Type   string            `json:"type"`
	Points []json.RawMessage `json:"points"`
	Data   []json.RawMessage `json:"data"`
}

func (d *JSONDecoder) Decode(payload []byte) (Batch, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Batch{}, malformed("empty payload")
	}
	fields := d.Fields.withDefaults()

	var items []json.RawMessage
	var batch Batch
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Batch{}, malformed("json array: %v", err)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Batch{}, malformed("json object: %v", err)
		}
		_, hasPoints := obj["points"]
		_, hasData := obj["data"]
		_, hasType := obj["type"]
		if !hasPoints && !hasData && !hasType {
			items = []json.RawMessage{trimmed}
			break
		}
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Batch{}, malformed("json envelope: %v", err)
		}
		switch strings.ToLower(env.Type) {
		case "clear", "cleared":
			return Batch{Clear: true}, nil
		case "snapshot", "replace":
			batch.Snapshot = true
		}
		items = env.Points
		if len(items) == 0 {
			items = env.Data
		}
		if !hasPoints && !hasData && fields.looksLikeSample(obj) {
			items = []json.RawMessage{trimmed}
		}
	default:
		return Batch{}, malformed("payload is not a JSON object or array")
	}

	for i, raw := range items {
		if err := fields.decodeItem(raw, &batch); err != nil {
			return Batch{}, malformed("element %d: %v", i, err)
		}
	}
	return batch, nil
}

func (m FieldMap) decodeItem(raw json.RawMessage, batch *Batch) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}

	intensity, _, err := lookupFloat(obj, m.Intensity)
	if err != nil {
		return err
	}

	x, hasX, err := lookupFloat(obj, []string{"x"})
	if err != nil {
		return err
	}
	y, hasY, err := lookupFloat(obj, []string{"y"})
	if err != nil {
		return err
	}
	z, hasZ, err := lookupFloat(obj, []string{"z"})
	if err != nil {
		return err
	}
	if hasX && hasY && hasZ {
		p := pointcloud.Point{X: x, Y: y, Z: z, Intensity: intensity}
		if err := p.Validate(); err != nil {
			return err
		}
		batch.Points = append(batch.Points, p)
		return nil
	}

	dist, ok, err := lookupFloat(obj, m.Distance)
	if err != nil {
		return err
	}
	if !ok {
		return errMissing("distance")
	}
	a1, ok, err := lookupFloat(obj, m.Angle1)
	if err != nil {
		return err
	}
	if !ok {
		return errMissing("angle1")
	}
	s := pointcloud.RawSample{Distance: dist, Angle1: a1, Intensity: intensity}
	if a2, ok, err := lookupFloat(obj, m.Angle2); err != nil {
		return err
	} else if ok {
		s.Angle2 = pointcloud.Float64(a2)
	}
	if beam, ok, err := lookupFloat(obj, m.Beam); err != nil {
		return err
	} else if ok {
		b, err := beamIndex(beam)
		if err != nil {
			return err
		}
		s.Beam = &b
	}
	if err := s.Validate(); err != nil {
		return err
	}
	batch.Samples = append(batch.Samples, s)
	return nil
}

// looksLikeSample reports whether a tagged object carries sample fields
// itself rather than being a control message.
func (m FieldMap) looksLikeSample(obj map[string]json.RawMessage) bool {
	if _, ok := obj["x"]; ok {
		return true
	}
	for _, name := range m.Distance {
		if _, ok := obj[name]; ok {
			return true
		}
	}
	return false
}

// maxBeamIndex is the largest integer a float64 holds exactly.
const maxBeamIndex = 1 << 53

func beamIndex(v float64) (int64, error) {
	if v != math.Trunc(v) || v < 0 || v > maxBeamIndex {
		return 0, fmt.Errorf("beam %g is not a non-negative integer index", v)
	}
	return int64(v), nil
}

func errMissing(name string) error {
	return fmt.Errorf("missing required field %s", name)
}

// lookupFloat returns the first alias present in obj. Numeric strings are
// accepted since some firmware quotes every value; null counts as absent.
func lookupFloat(obj map[string]json.RawMessage, names []string) (float64, bool, error) {
	for _, name := range names {
		raw, ok := obj[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, true, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, fmt.Errorf("field %s is not a number", name)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false, fmt.Errorf("field %s is not a number", name)
		}
		return f, true, nil
	}
	return 0, false, nil
}
