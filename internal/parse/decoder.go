// Package parse turns feed payloads into batches of samples or points.
//
// Each sensor generation speaks a slightly different dialect: JSON objects
// with varying field names, binary LD19 packets, TF-Luna frames paired with a
// servo pose, or the pan/tilt sweep text format. Every dialect is a Decoder;
// which one a deployment uses is configuration.
package parse

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// ErrMalformed marks a payload that could not be decoded. The payload should
// be discarded and the feed kept open.
var ErrMalformed = errors.New("malformed feed message")

// Batch is the result of decoding one payload.
type Batch struct {
	// Samples still need the coordinate transform.
	Samples []pointcloud.RawSample
	// Points arrived already Cartesian and skip the transform.
	Points []pointcloud.Point
	// Snapshot means the payload is a full replacement of the set.
	Snapshot bool
	// Clear is set by an explicit clear control message.
	Clear bool
}

// Len returns the number of samples and points in the batch.
func (b Batch) Len() int {
	return len(b.Samples) + len(b.Points)
}

// Cartesian reports whether the batch carries pre-converted points only.
func (b Batch) Cartesian() bool {
	return len(b.Points) > 0 && len(b.Samples) == 0
}

// Decoder decodes a single payload (one message, datagram or frame).
type Decoder interface {
	Decode(payload []byte) (Batch, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(payload []byte) (Batch, error)

func (f DecoderFunc) Decode(payload []byte) (Batch, error) { return f(payload) }

// Format names a payload dialect.
type Format string

const (
	FormatJSON   Format = "json"
	FormatLD19   Format = "ld19"
	FormatTFLuna Format = "tfluna"
	FormatSweep  Format = "sweep"
	FormatAuto   Format = "auto"
)

// Options carries the per-format settings NewDecoder needs.
type Options struct {
	Fields FieldMap
	// Pose supplies servo angles for TF-Luna frames.
	Pose *Pose
	// MinStrength drops TF-Luna readings at or below this signal strength.
	MinStrength int
}

// NewDecoder builds the decoder for format.
func NewDecoder(format Format, opts Options) (Decoder, error) {
	switch format {
	case FormatJSON:
		return &JSONDecoder{Fields: opts.Fields}, nil
	case FormatLD19:
		return LD19Decoder{}, nil
	case FormatTFLuna:
		pose := opts.Pose
		if pose == nil {
			pose = &Pose{}
		}
		return &TFLunaDecoder{Pose: pose, MinStrength: opts.MinStrength}, nil
	case FormatSweep:
		return SweepTextDecoder{}, nil
	case FormatAuto, "":
		return &AutoDecoder{JSON: &JSONDecoder{Fields: opts.Fields}}, nil
	}
	return nil, fmt.Errorf("unknown feed format %q", format)
}

// AutoDecoder picks JSON for payloads that look like JSON and sweep text for
// everything else.
type AutoDecoder struct {
	JSON  *JSONDecoder
	Sweep SweepTextDecoder
}

func (d *AutoDecoder) Decode(payload []byte) (Batch, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		jd := d.JSON
		if jd == nil {
			jd = &JSONDecoder{}
		}
		return jd.Decode(trimmed)
	}
	return d.Sweep.Decode(trimmed)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
