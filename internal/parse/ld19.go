package parse

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

/*
LD19 packet layout (47 bytes, little endian):

	[0]      header 0x54
	[1]      ver_len 0x2C (version 1, 12 points)
	[2:4]    rotation speed, degrees per second
	[4:6]    start angle, 0.01° units
	[6:42]   12 × (distance uint16 mm, intensity uint8)
	[42:44]  end angle, 0.01° units
	[44:46]  timestamp, ms (wraps at 30000)
	[46]     CRC-8 over bytes [0:46]

Point angles are linearly interpolated between start and end. The end angle
may be numerically smaller than the start when the packet crosses 0°.
*/

const (
	LD19Header     = 0x54
	LD19VerLen     = 0x2C
	LD19PacketSize = 47
	LD19Points     = 12

	ld19CRCPoly = 0x4D
)

var ld19CRCTable = func() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for range 8 {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ ld19CRCPoly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// LD19CRC computes the LD19 checksum of data.
func LD19CRC(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = ld19CRCTable[crc^b]
	}
	return crc
}

// LD19Measurement is one range reading inside a packet.
type LD19Measurement struct {
	Distance  uint16
	Intensity uint8
}

// LD19Packet is a decoded LD19 packet.
type LD19Packet struct {
	Speed      uint16
	StartAngle uint16
	EndAngle   uint16
	Timestamp  uint16
	Points     [LD19Points]LD19Measurement
}

// ParseLD19Packet validates and decodes a single 47-byte packet.
func ParseLD19Packet(b []byte) (LD19Packet, error) {
	if len(b) != LD19PacketSize {
		return LD19Packet{}, malformed("ld19: packet is %d bytes, want %d", len(b), LD19PacketSize)
	}
	if b[0] != LD19Header || b[1] != LD19VerLen {
		return LD19Packet{}, malformed("ld19: bad header %#02x %#02x", b[0], b[1])
	}
	if crc := LD19CRC(b[:LD19PacketSize-1]); crc != b[LD19PacketSize-1] {
		return LD19Packet{}, malformed("ld19: crc mismatch (got %#02x, want %#02x)", b[LD19PacketSize-1], crc)
	}

	p := LD19Packet{
		Speed:      binary.LittleEndian.Uint16(b[2:4]),
		StartAngle: binary.LittleEndian.Uint16(b[4:6]),
		EndAngle:   binary.LittleEndian.Uint16(b[42:44]),
		Timestamp:  binary.LittleEndian.Uint16(b[44:46]),
	}
	for i := range p.Points {
		off := 6 + i*3
		p.Points[i] = LD19Measurement{
			Distance:  binary.LittleEndian.Uint16(b[off : off+2]),
			Intensity: b[off+2],
		}
	}
	return p, nil
}

// Samples interpolates per-point angles and drops zero-distance readings.
// Distances are in millimetres; angles are rounded to 0.1°.
func (p LD19Packet) Samples() []pointcloud.RawSample {
	start := normalizeCentidegrees(p.StartAngle)
	end := normalizeCentidegrees(p.EndAngle)
	if end < start {
		end += 360
	}
	step := (end - start) / (LD19Points - 1)

	out := make([]pointcloud.RawSample, 0, LD19Points)
	for i, m := range p.Points {
		if m.Distance == 0 {
			continue
		}
		angle := start + step*float64(i)
		if angle >= 360 {
			angle -= 360
		}
		out = append(out, pointcloud.RawSample{
			Distance:  float64(m.Distance),
			Angle1:    math.Round(angle*10) / 10,
			Intensity: float64(m.Intensity),
		})
	}
	return out
}

func normalizeCentidegrees(v uint16) float64 {
	return math.Mod(float64(v)/100.0, 360)
}

// EncodeLD19 builds a valid packet. Used by the simulator and tests.
func EncodeLD19(p LD19Packet) []byte {
	b := make([]byte, LD19PacketSize)
	b[0] = LD19Header
	b[1] = LD19VerLen
	binary.LittleEndian.PutUint16(b[2:4], p.Speed)
	binary.LittleEndian.PutUint16(b[4:6], p.StartAngle)
	for i, m := range p.Points {
		off := 6 + i*3
		binary.LittleEndian.PutUint16(b[off:off+2], m.Distance)
		b[off+2] = m.Intensity
	}
	binary.LittleEndian.PutUint16(b[42:44], p.EndAngle)
	binary.LittleEndian.PutUint16(b[44:46], p.Timestamp)
	b[46] = LD19CRC(b[:46])
	return b
}

// LD19Decoder decodes one or more back-to-back LD19 packets. A payload whose
// length is not a multiple of the packet size, or containing any corrupt
// packet, is rejected whole.
type LD19Decoder struct{}

func (LD19Decoder) Decode(payload []byte) (Batch, error) {
	if len(payload) == 0 || len(payload)%LD19PacketSize != 0 {
		return Batch{}, malformed("ld19: payload length %d is not a multiple of %d", len(payload), LD19PacketSize)
	}
	var batch Batch
	for off := 0; off < len(payload); off += LD19PacketSize {
		pkt, err := ParseLD19Packet(payload[off : off+LD19PacketSize])
		if err != nil {
			return Batch{}, err
		}
		batch.Samples = append(batch.Samples, pkt.Samples()...)
	}
	return batch, nil
}

// SplitLD19 is a bufio.SplitFunc that extracts valid LD19 packets from a
// byte stream, skipping noise and resynchronizing on the header byte after
// a CRC failure.
func SplitLD19(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for {
		idx := bytes.IndexByte(data[start:], LD19Header)
		if idx < 0 {
			return len(data), nil, nil
		}
		pos := start + idx
		if len(data)-pos < LD19PacketSize {
			if atEOF {
				return len(data), nil, nil
			}
			return pos, nil, nil
		}
		pkt := data[pos : pos+LD19PacketSize]
		if pkt[1] == LD19VerLen && LD19CRC(pkt[:LD19PacketSize-1]) == pkt[LD19PacketSize-1] {
			return pos + LD19PacketSize, pkt, nil
		}
		start = pos + 1
	}
}
