package pointcloud

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/spatial/r3"
)

// ColorMode selects the per-point color ramp.
type ColorMode string

const (
	ColorIntensity ColorMode = "intensity"
	ColorHeight    ColorMode = "height"
	ColorDistance  ColorMode = "distance"
	ColorRainbow   ColorMode = "rainbow"
)

// ColorModes lists the supported modes in display order.
var ColorModes = []ColorMode{ColorIntensity, ColorHeight, ColorDistance, ColorRainbow}

// ParseColorMode parses a mode name. The empty string means intensity.
func ParseColorMode(s string) (ColorMode, error) {
	if s == "" {
		return ColorIntensity, nil
	}
	for _, m := range ColorModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown color mode %q", s)
}

// RGB is a color with every channel in [0, 1].
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// White is returned for every mode when there is nothing to normalize against.
var White = RGB{1, 1, 1}

// ColorFor maps a point to a color under mode, normalized against b.
// It has no side effects and never returns NaN.
func ColorFor(p Point, b Bounds, mode ColorMode) RGB {
	if b.Empty {
		return White
	}

	var h, l float64
	switch mode {
	case ColorHeight:
		t := unit((p.Z - b.MinZ) / unitIfZero(b.MaxZ-b.MinZ))
		h, l = 0.7-0.7*t, 0.5
	case ColorDistance:
		c := b.Center()
		t := unit(r3.Norm(r3.Sub(r3.Vec{X: p.X, Y: p.Y, Z: p.Z}, c)) / unitIfZero(b.HalfDiagonal()))
		h, l = 0.8-0.6*t, 0.6
	case ColorRainbow:
		c := b.Center()
		a := math.Atan2(p.Y-c.Y, p.X-c.X) + math.Pi
		h, l = math.Mod(a/(2*math.Pi), 1), 0.6
	default:
		t := unit((p.Intensity - b.MinIntensity) / b.IntensityRange())
		h, l = 0.15+0.5*t, 0.5+0.3*t
	}
	return hsl(h, l)
}

// hsl converts a hue in turns and a lightness to RGB at full saturation.
func hsl(h, l float64) RGB {
	if !finite(h) {
		h = 0
	}
	if !finite(l) {
		l = 1
	}
	c := colorful.Hsl(h*360, 1, l).Clamped()
	return RGB{R: c.R, G: c.G, B: c.B}
}

// unit clamps v into [0, 1], mapping NaN to 0.
func unit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Buffers are flat renderer inputs: three float32 per point for position
// (centered on the bounds midpoint) and three for color.
type Buffers struct {
	Positions []float32  `json:"positions"`
	Colors    []float32  `json:"colors"`
	Center    [3]float64 `json:"center"`
	Count     int        `json:"count"`
	Mode      ColorMode  `json:"mode"`
}

// Encode builds renderer buffers for set under mode.
func Encode(set PointSet, mode ColorMode) Buffers {
	n := len(set.Points)
	c := set.Bounds.Center()
	out := Buffers{
		Positions: make([]float32, 0, 3*n),
		Colors:    make([]float32, 0, 3*n),
		Center:    [3]float64{c.X, c.Y, c.Z},
		Count:     n,
		Mode:      mode,
	}
	for _, p := range set.Points {
		rgb := ColorFor(p, set.Bounds, mode)
		out.Positions = append(out.Positions,
			float32(p.X-c.X), float32(p.Y-c.Y), float32(p.Z-c.Z))
		out.Colors = append(out.Colors,
			float32(rgb.R), float32(rgb.G), float32(rgb.B))
	}
	return out
}
