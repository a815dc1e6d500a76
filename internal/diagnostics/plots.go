package diagnostics

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/dipolefit/internal/dipole"
	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/banshee-data/dipolefit/internal/monitoring"
)

// PlotSink writes a data/model/residual heatmap triptych of the diffim
// plane for each fit attempt it receives. It is safe for concurrent use.
type PlotSink struct {
	dir      string
	maxPlots int

	// OnlyUnreliable limits output to attempts that triggered the fallback.
	OnlyUnreliable bool

	mu      sync.Mutex
	seq     int
	written int
	err     error
}

// NewPlotSink creates dir and returns a sink writing at most maxPlots
// images there; maxPlots <= 0 means no limit.
func NewPlotSink(dir string, maxPlots int) (*PlotSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}
	return &PlotSink{dir: dir, maxPlots: maxPlots}, nil
}

// FitAttempt implements dipole.DiagnosticsSink.
func (s *PlotSink) FitAttempt(d *dipole.AttemptDiagnostics) {
	if d == nil || len(d.Data) == 0 || len(d.Model) == 0 {
		return
	}
	if s.OnlyUnreliable && !d.Unreliable {
		return
	}

	s.mu.Lock()
	if s.maxPlots > 0 && s.seq >= s.maxPlots {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	box := d.Footprint.BBox()
	name := fmt.Sprintf("dipole_%04d_x%d_y%d_%s.png", seq, box.Min.X, box.Min.Y, d.Phase)
	path := filepath.Join(s.dir, name)
	err := renderTriptych(path, d)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		monitoring.Diagf("diagnostics: %s: %v", name, err)
		if s.err == nil {
			s.err = err
		}
		return
	}
	s.written++
}

// Written returns how many images were saved.
func (s *PlotSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Err returns the first render error, if any.
func (s *PlotSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// imageGrid adapts an imaging.Image to plotter.GridXYZ in pixel
// coordinates.
type imageGrid struct {
	im *imaging.Image
}

func (g imageGrid) Dims() (c, r int) { return g.im.Width(), g.im.Height() }

func (g imageGrid) Z(c, r int) float64 {
	return g.im.At(g.im.Bounds.Min.X+c, g.im.Bounds.Min.Y+r)
}

func (g imageGrid) X(c int) float64 { return float64(g.im.Bounds.Min.X + c) }

func (g imageGrid) Y(r int) float64 { return float64(g.im.Bounds.Min.Y + r) }

func residual(data, model *imaging.Image) *imaging.Image {
	out := data.Clone()
	for i := range out.Pix {
		out.Pix[i] -= model.Pix[i]
	}
	return out
}

func heatmapPlot(title string, im *imaging.Image, pal palette.Palette) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"

	h := plotter.NewHeatMap(imageGrid{im}, pal)
	if math.IsInf(h.Min, 0) || math.IsInf(h.Max, 0) {
		h.Min, h.Max = 0, 1
	}
	if !(h.Max > h.Min) {
		h.Max = h.Min + 1
	}
	h.NaN = color.Transparent
	p.Add(h)
	return p
}

func renderTriptych(path string, d *dipole.AttemptDiagnostics) error {
	data, model := d.Data[0], d.Model[0]
	pal := palette.Heat(64, 1)

	title := func(s string) string { return fmt.Sprintf("%s (%s)", s, d.Phase) }
	plots := [][]*plot.Plot{{
		heatmapPlot(title("data"), data, pal),
		heatmapPlot(title("model"), model, pal),
		heatmapPlot(title("residual"), residual(data, model), pal),
	}}
	if s := d.Summary; s != nil && !s.Degenerate {
		mark, err := lobeMarkers(s)
		if err != nil {
			return err
		}
		for _, p := range plots[0] {
			p.Add(mark)
		}
	}

	img := vgimg.New(15*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 3, PadX: vg.Millimeter, PadY: vg.Millimeter}
	canvases := plot.Align(plots, tiles, dc)
	for j, p := range plots[0] {
		p.Draw(canvases[0][j])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// lobeMarkers draws the fitted lobe centroids.
func lobeMarkers(s *dipole.FitSummary) (*plotter.Scatter, error) {
	pts := plotter.XYs{
		{X: s.PosCentroid.X, Y: s.PosCentroid.Y},
		{X: s.NegCentroid.X, Y: s.NegCentroid.Y},
	}
	for _, pt := range pts {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
			return nil, fmt.Errorf("non-finite centroid in summary")
		}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Shape = draw.CrossGlyph{}
	sc.GlyphStyle.Color = color.RGBA{R: 0, G: 160, B: 255, A: 255}
	sc.GlyphStyle.Radius = vg.Points(5)
	return sc, nil
}
