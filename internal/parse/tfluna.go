package parse

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// TF-Luna frame: 0x59 0x59, distance (cm), strength, temperature, checksum.
const (
	TFLunaHeader    = 0x59
	TFLunaFrameSize = 9

	// DefaultTFLunaMinStrength matches the sweep firmware, which discarded
	// readings with strength <= 10 before posting them.
	DefaultTFLunaMinStrength = 10
)

// TFLunaFrame is one decoded frame.
type TFLunaFrame struct {
	Distance    uint16 // centimetres
	Strength    uint16
	Temperature float64 // °C
}

// ParseTFLunaFrame validates the header and checksum of a 9-byte frame.
func ParseTFLunaFrame(b []byte) (TFLunaFrame, error) {
	if len(b) != TFLunaFrameSize {
		return TFLunaFrame{}, malformed("tfluna: frame is %d bytes, want %d", len(b), TFLunaFrameSize)
	}
	if b[0] != TFLunaHeader || b[1] != TFLunaHeader {
		return TFLunaFrame{}, malformed("tfluna: bad header")
	}
	if sum := tflunaChecksum(b[:8]); sum != b[8] {
		return TFLunaFrame{}, malformed("tfluna: checksum mismatch (got %#02x, want %#02x)", b[8], sum)
	}
	return TFLunaFrame{
		Distance:    binary.LittleEndian.Uint16(b[2:4]),
		Strength:    binary.LittleEndian.Uint16(b[4:6]),
		Temperature: float64(binary.LittleEndian.Uint16(b[6:8]))/8 - 256,
	}, nil
}

func tflunaChecksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// EncodeTFLuna builds a valid frame. Used by tests.
func EncodeTFLuna(f TFLunaFrame) []byte {
	b := make([]byte, TFLunaFrameSize)
	b[0], b[1] = TFLunaHeader, TFLunaHeader
	binary.LittleEndian.PutUint16(b[2:4], f.Distance)
	binary.LittleEndian.PutUint16(b[4:6], f.Strength)
	binary.LittleEndian.PutUint16(b[6:8], uint16((f.Temperature+256)*8))
	b[8] = tflunaChecksum(b[:8])
	return b
}

// Pose is the current pan/tilt servo position in degrees. The servo driver
// updates it and the TF-Luna decoder reads it for every frame.
type Pose struct {
	mu   sync.RWMutex
	pan  float64
	tilt float64
}

// Set records a new servo position.
func (p *Pose) Set(pan, tilt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pan, p.tilt = pan, tilt
}

// Get returns the current servo position.
func (p *Pose) Get() (pan, tilt float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pan, p.tilt
}

// TFLunaDecoder decodes back-to-back TF-Luna frames. The pan angle becomes
// Angle1 and the tilt angle Angle2; the tilt is in the rig's floor-relative
// convention, so pair this decoder with that transform.
type TFLunaDecoder struct {
	Pose        *Pose
	MinStrength int
}

func (d *TFLunaDecoder) Decode(payload []byte) (Batch, error) {
	if len(payload) == 0 || len(payload)%TFLunaFrameSize != 0 {
		return Batch{}, malformed("tfluna: payload length %d is not a multiple of %d", len(payload), TFLunaFrameSize)
	}
	var pan, tilt float64
	if d.Pose != nil {
		pan, tilt = d.Pose.Get()
	}
	minStrength := d.MinStrength
	if minStrength == 0 {
		minStrength = DefaultTFLunaMinStrength
	}

	var batch Batch
	for off := 0; off < len(payload); off += TFLunaFrameSize {
		f, err := ParseTFLunaFrame(payload[off : off+TFLunaFrameSize])
		if err != nil {
			return Batch{}, err
		}
		if int(f.Strength) <= minStrength {
			continue
		}
		batch.Samples = append(batch.Samples, pointcloud.RawSample{
			Distance:  float64(f.Distance),
			Angle1:    pan,
			Angle2:    pointcloud.Float64(tilt),
			Intensity: float64(f.Strength),
		})
	}
	return batch, nil
}

// SplitTFLuna is a bufio.SplitFunc for a TF-Luna serial stream.
func SplitTFLuna(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for {
		idx := bytes.Index(data[start:], []byte{TFLunaHeader, TFLunaHeader})
		if idx < 0 {
			if len(data) > 0 && data[len(data)-1] == TFLunaHeader && !atEOF {
				return len(data) - 1, nil, nil
			}
			return len(data), nil, nil
		}
		pos := start + idx
		if len(data)-pos < TFLunaFrameSize {
			if atEOF {
				return len(data), nil, nil
			}
			return pos, nil, nil
		}
		frame := data[pos : pos+TFLunaFrameSize]
		if tflunaChecksum(frame[:8]) == frame[8] {
			return pos + TFLunaFrameSize, frame, nil
		}
		start = pos + 1
	}
}
