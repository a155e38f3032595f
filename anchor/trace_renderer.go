package anchor

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

var (
	traceColor  = color.RGBA{R: 33, G: 150, B: 243, A: 255}
	fixColor    = color.RGBA{R: 46, G: 204, B: 113, A: 255}
	cameraColor = color.RGBA{R: 231, G: 76, B: 60, A: 255}
)

// TraceRenderer draws a top-down (X/Z) plot of the corrected camera trail and
// the global positions of matched fixes. World units are meters.
type TraceRenderer struct {
	Trail       []r3.Vector
	Fixes       []FixRecord
	Scale       float64 // canvas units per meter
	Padding     float64 // meters
	GridSpacing float64 // meters; 0 disables the grid
	Tolerance   float64 // trail simplification in meters; 0 disables
	Resolution  canvas.Resolution
}

// NewTraceRenderer creates a renderer with default settings
func NewTraceRenderer(trail []r3.Vector, fixes []FixRecord) *TraceRenderer {
	return &TraceRenderer{
		Trail:       trail,
		Fixes:       fixes,
		Scale:       20,
		Padding:     2,
		GridSpacing: 5,
		Tolerance:   0.05,
		Resolution:  canvas.DPI(96),
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type traceBounds struct {
	minX, minZ, maxX, maxZ float64
}

func (r *TraceRenderer) bounds() traceBounds {
	b := traceBounds{minX: math.Inf(1), minZ: math.Inf(1), maxX: math.Inf(-1), maxZ: math.Inf(-1)}
	add := func(v r3.Vector) {
		b.minX = math.Min(b.minX, v.X)
		b.maxX = math.Max(b.maxX, v.X)
		b.minZ = math.Min(b.minZ, v.Z)
		b.maxZ = math.Max(b.maxZ, v.Z)
	}
	for _, v := range r.Trail {
		add(v)
	}
	for _, f := range r.Fixes {
		add(f.GlobalPose.Position)
	}
	if math.IsInf(b.minX, 1) {
		return traceBounds{minX: -5, minZ: -5, maxX: 5, maxZ: 5}
	}
	return b
}

func (r *TraceRenderer) size(b traceBounds) (float64, float64) {
	width := (b.maxX - b.minX + 2*r.Padding) * r.Scale
	height := (b.maxZ - b.minZ + 2*r.Padding) * r.Scale
	return math.Max(width, 1), math.Max(height, 1)
}

// RenderToSVG writes the trace as an SVG to the provided writer
func (r *TraceRenderer) RenderToSVG(w io.Writer) error {
	b := r.bounds()
	width, height := r.size(b)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, b, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the trace as a PNG to the provided writer
func (r *TraceRenderer) RenderToPNG(w io.Writer) error {
	b := r.bounds()
	width, height := r.size(b)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, b, width, height)
	return png.Encode(w, rast)
}

func (r *TraceRenderer) renderToCanvas(renderer canvasRenderer, b traceBounds, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, z float64) (float64, float64) {
		return (x - b.minX + r.Padding) * r.Scale, (z - b.minZ + r.Padding) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.5
		gridStyle.Dashes = []float64{2, 2}

		lo, hi := b.minX-r.Padding, b.maxX+r.Padding
		for x := math.Floor(lo/r.GridSpacing) * r.GridSpacing; x <= hi; x += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(x, b.minZ-r.Padding))
			p.LineTo(toCanvas(x, b.maxZ+r.Padding))
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
		lo, hi = b.minZ-r.Padding, b.maxZ+r.Padding
		for z := math.Floor(lo/r.GridSpacing) * r.GridSpacing; z <= hi; z += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(b.minX-r.Padding, z))
			p.LineTo(toCanvas(b.maxX+r.Padding, z))
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
	}

	if len(r.Trail) >= 2 {
		ls := make(orb.LineString, len(r.Trail))
		for i, v := range r.Trail {
			ls[i] = orb.Point{v.X, v.Z}
		}
		ls = SimplifyTrail(ls, r.Tolerance)

		trailStyle := canvas.DefaultStyle
		trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trailStyle.Stroke = canvas.Paint{Color: traceColor}
		trailStyle.StrokeWidth = 2

		p := &canvas.Path{}
		for i, pt := range ls {
			if i == 0 {
				p.MoveTo(toCanvas(pt[0], pt[1]))
			} else {
				p.LineTo(toCanvas(pt[0], pt[1]))
			}
		}
		renderer.RenderPath(p, trailStyle, canvas.Identity)
	}

	fixStyle := canvas.DefaultStyle
	fixStyle.Fill = canvas.Paint{Color: fixColor}
	fixStyle.Stroke = canvas.Paint{Color: canvas.Black}
	fixStyle.StrokeWidth = 0.5
	for _, f := range r.Fixes {
		cx, cy := toCanvas(f.GlobalPose.Position.X, f.GlobalPose.Position.Z)
		renderer.RenderPath(canvas.Circle(4).Translate(cx, cy), fixStyle, canvas.Identity)
	}

	if n := len(r.Trail); n > 0 {
		camStyle := canvas.DefaultStyle
		camStyle.Fill = canvas.Paint{Color: cameraColor}
		camStyle.Stroke = canvas.Paint{Color: canvas.Black}
		camStyle.StrokeWidth = 0.5
		last := r.Trail[n-1]
		cx, cy := toCanvas(last.X, last.Z)
		renderer.RenderPath(canvas.Circle(6).Translate(cx, cy), camStyle, canvas.Identity)
	}
}
