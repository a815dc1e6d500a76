package imaging

import (
	"image"
	"math"
	"sort"
)

// Span is one row of a footprint: pixels X0..X1 inclusive on row Y.
type Span struct {
	Y, X0, X1 int
}

// Peak is a detected local extremum inside a footprint.
type Peak struct {
	X, Y  float64
	Value float64
}

// Footprint is an irregular pixel region with its detected peaks.
// Footprints are immutable once built.
type Footprint struct {
	spans []Span
	bbox  image.Rectangle
	area  int
	Peaks []Peak
}

// NewFootprint builds a footprint from spans. Spans are sorted by row and
// start column; overlapping spans are not merged.
func NewFootprint(spans []Span, peaks []Peak) *Footprint {
	sorted := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.X1 < s.X0 {
			continue
		}
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X0 < sorted[j].X0
	})

	fp := &Footprint{spans: sorted, Peaks: append([]Peak(nil), peaks...)}
	for i, s := range sorted {
		r := image.Rect(s.X0, s.Y, s.X1+1, s.Y+1)
		if i == 0 {
			fp.bbox = r
		} else {
			fp.bbox = fp.bbox.Union(r)
		}
		fp.area += s.X1 - s.X0 + 1
	}
	return fp
}

// NewFootprintFromBox returns a footprint covering every pixel of r.
func NewFootprintFromBox(r image.Rectangle, peaks []Peak) *Footprint {
	r = r.Canon()
	spans := make([]Span, 0, r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		spans = append(spans, Span{Y: y, X0: r.Min.X, X1: r.Max.X - 1})
	}
	return NewFootprint(spans, peaks)
}

// NewFootprintFromMask collects the pixels of box for which member returns
// true into a footprint.
func NewFootprintFromMask(box image.Rectangle, member func(x, y int) bool, peaks []Peak) *Footprint {
	var spans []Span
	for y := box.Min.Y; y < box.Max.Y; y++ {
		start := -1
		for x := box.Min.X; x <= box.Max.X; x++ {
			in := x < box.Max.X && member(x, y)
			switch {
			case in && start < 0:
				start = x
			case !in && start >= 0:
				spans = append(spans, Span{Y: y, X0: start, X1: x - 1})
				start = -1
			}
		}
	}
	return NewFootprint(spans, peaks)
}

// BBox returns the bounding box of the member pixels.
func (fp *Footprint) BBox() image.Rectangle { return fp.bbox }

// Area returns the number of member pixels.
func (fp *Footprint) Area() int { return fp.area }

// Spans returns a copy of the footprint rows.
func (fp *Footprint) Spans() []Span { return append([]Span(nil), fp.spans...) }

// Contains reports whether parent pixel (x, y) belongs to the footprint.
func (fp *Footprint) Contains(x, y int) bool {
	if !(image.Point{X: x, Y: y}).In(fp.bbox) {
		return false
	}
	i := sort.Search(len(fp.spans), func(i int) bool { return fp.spans[i].Y >= y })
	for ; i < len(fp.spans) && fp.spans[i].Y == y; i++ {
		if x >= fp.spans[i].X0 && x <= fp.spans[i].X1 {
			return true
		}
	}
	return false
}

// ForEach calls fn for every member pixel in row-major order.
func (fp *Footprint) ForEach(fn func(x, y int)) {
	for _, s := range fp.spans {
		for x := s.X0; x <= s.X1; x++ {
			fn(x, s.Y)
		}
	}
}

// Centroid returns the unweighted mean position of the member pixels.
// An empty footprint yields NaN.
func (fp *Footprint) Centroid() (float64, float64) {
	if fp.area == 0 {
		return math.NaN(), math.NaN()
	}
	var sx, sy float64
	for _, s := range fp.spans {
		n := float64(s.X1 - s.X0 + 1)
		sx += n * float64(s.X0+s.X1) / 2
		sy += n * float64(s.Y)
	}
	return sx / float64(fp.area), sy / float64(fp.area)
}
