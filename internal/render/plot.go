package render

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// PlotOptions tunes PlotPNG.
type PlotOptions struct {
	Title     string
	MaxPoints int
	// Size is the square image edge. Defaults to 8 inches.
	Size vg.Length
}

// PlotPNG writes a top-down scatter of set as PNG, each point colored the
// way the viewer would color it under mode.
func PlotPNG(w io.Writer, set pointcloud.PointSet, mode pointcloud.ColorMode, o PlotOptions) error {
	if o.MaxPoints <= 0 {
		o.MaxPoints = DefaultMaxPreviewPoints
	}
	if o.Size <= 0 {
		o.Size = 8 * vg.Inch
	}

	p := plot.New()
	p.Title.Text = o.Title
	if p.Title.Text == "" {
		p.Title.Text = fmt.Sprintf("Point cloud (%d points, %s)", set.Len(), mode)
	}
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.Add(plotter.NewGrid())

	step := stride(set.Len(), o.MaxPoints)
	xys := make(plotter.XYs, 0, set.Len()/step+1)
	colors := make([]color.Color, 0, cap(xys))
	for i := 0; i < set.Len(); i += step {
		pt := set.Points[i]
		xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
		colors = append(colors, toColor(pointcloud.ColorFor(pt, set.Bounds, mode)))
	}

	if len(xys) > 0 {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("failed to build scatter: %w", err)
		}
		sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			return draw.GlyphStyle{Color: colors[i], Radius: vg.Points(1.5), Shape: draw.CircleGlyph{}}
		}
		p.Add(sc)
	}

	wt, err := p.WriterTo(o.Size, o.Size, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

func toColor(c pointcloud.RGB) color.Color {
	return color.RGBA{R: uint8(c.R*255 + 0.5), G: uint8(c.G*255 + 0.5), B: uint8(c.B*255 + 0.5), A: 255}
}
