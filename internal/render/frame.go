// Package render turns a session's points into renderer-ready output: a
// packed binary frame served over gRPC, an echarts HTML preview and a PNG
// plot.
package render

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// ErrBadFrame is returned by DecodeFrame for truncated or foreign data.
var ErrBadFrame = errors.New("bad point frame")

var frameMagic = [4]byte{'L', 'V', 'F', '1'}

// frameHeaderSize is magic, count, mode length and the center triple, not
// counting the mode bytes.
const frameHeaderSize = 4 + 4 + 1 + 3*8

// EncodeFrame packs buffers as little endian:
//
//	"LVF1" | count u32 | len(mode) u8 | mode | center 3×f64 |
//	positions 3×count f32 | colors 3×count f32
func EncodeFrame(b pointcloud.Buffers) []byte {
	mode := string(b.Mode)
	if len(mode) > math.MaxUint8 {
		mode = mode[:math.MaxUint8]
	}
	n := b.Count
	out := make([]byte, 0, frameHeaderSize+len(mode)+4*6*n)
	out = append(out, frameMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(n))
	out = append(out, byte(len(mode)))
	out = append(out, mode...)
	for _, c := range b.Center {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(c))
	}
	for _, v := range b.Positions[:3*n] {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	for _, v := range b.Colors[:3*n] {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (pointcloud.Buffers, error) {
	if len(data) < frameHeaderSize || [4]byte(data[:4]) != frameMagic {
		return pointcloud.Buffers{}, fmt.Errorf("%w: missing header", ErrBadFrame)
	}
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	modeLen := int(data[8])
	rest := data[9:]
	if len(rest) < modeLen+3*8 {
		return pointcloud.Buffers{}, fmt.Errorf("%w: truncated header", ErrBadFrame)
	}
	b := pointcloud.Buffers{Count: n, Mode: pointcloud.ColorMode(rest[:modeLen])}
	rest = rest[modeLen:]
	for i := range b.Center {
		b.Center[i] = math.Float64frombits(binary.LittleEndian.Uint64(rest[8*i:]))
	}
	rest = rest[3*8:]
	if uint64(len(rest)) != uint64(n)*4*6 {
		return pointcloud.Buffers{}, fmt.Errorf("%w: %d points need %d bytes, have %d", ErrBadFrame, n, n*4*6, len(rest))
	}
	b.Positions = readFloats(rest[:4*3*n])
	b.Colors = readFloats(rest[4*3*n:])
	return b, nil
}

func readFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}
