package render

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// DefaultMaxPreviewPoints keeps preview pages responsive.
const DefaultMaxPreviewPoints = 8000

// viridis is the ramp used by every preview visual map.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// PreviewOptions tunes PreviewHTML.
type PreviewOptions struct {
	Title     string
	MaxPoints int
	// AssetsHost overrides where echarts is loaded from.
	AssetsHost string
}

// stride returns the sampling step that keeps n points within max.
func stride(n, max int) int {
	if max <= 0 || n <= max {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(max)))
}

// ModeValue is the scalar a color mode ramps over: intensity, Z, range from
// the bounds center, or azimuth around it in turns.
func ModeValue(p pointcloud.Point, b pointcloud.Bounds, mode pointcloud.ColorMode) float64 {
	c := b.Center()
	switch mode {
	case pointcloud.ColorHeight:
		return p.Z
	case pointcloud.ColorDistance:
		dx, dy, dz := p.X-c.X, p.Y-c.Y, p.Z-c.Z
		return math.Sqrt(dx*dx + dy*dy + dz*dz)
	case pointcloud.ColorRainbow:
		return (math.Atan2(p.Y-c.Y, p.X-c.X) + math.Pi) / (2 * math.Pi)
	}
	return p.Intensity
}

// PreviewHTML writes a top-down (X/Y) echarts scatter of set, colored by
// mode, to w.
func PreviewHTML(w io.Writer, set pointcloud.PointSet, mode pointcloud.ColorMode, o PreviewOptions) error {
	if o.MaxPoints <= 0 {
		o.MaxPoints = DefaultMaxPreviewPoints
	}
	if o.Title == "" {
		o.Title = "Point cloud"
	}

	step := stride(set.Len(), o.MaxPoints)
	data := make([]opts.ScatterData, 0, set.Len()/step+1)
	lo, hi := math.Inf(1), math.Inf(-1)
	maxAbs := 0.0
	for i := 0; i < set.Len(); i += step {
		p := set.Points[i]
		v := ModeValue(p, set.Bounds, mode)
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, v}})
	}
	if len(data) == 0 {
		lo, hi = 0, 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: o.Title, Theme: "dark", Width: "900px", Height: "900px", AssetsHost: o.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: o.Title, Subtitle: fmt.Sprintf("points=%d shown=%d stride=%d mode=%s", set.Len(), len(data), step, mode)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries(string(mode), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter.Render(w)
}
