package imaging

import (
	"fmt"
	"image"
	"math"
)

// Image is a row-major float64 raster positioned in parent coordinates.
type Image struct {
	Bounds image.Rectangle
	Pix    []float64
}

// NewImage allocates a zeroed image covering r.
func NewImage(r image.Rectangle) *Image {
	r = r.Canon()
	return &Image{
		Bounds: r,
		Pix:    make([]float64, r.Dx()*r.Dy()),
	}
}

// Width returns the number of columns.
func (im *Image) Width() int { return im.Bounds.Dx() }

// Height returns the number of rows.
func (im *Image) Height() int { return im.Bounds.Dy() }

// Index returns the offset of parent pixel (x, y) in Pix.
// The caller must ensure the pixel lies inside Bounds.
func (im *Image) Index(x, y int) int {
	return (y-im.Bounds.Min.Y)*im.Bounds.Dx() + (x - im.Bounds.Min.X)
}

// At returns the value at parent pixel (x, y), or NaN outside the bounds.
func (im *Image) At(x, y int) float64 {
	if !(image.Point{X: x, Y: y}).In(im.Bounds) {
		return math.NaN()
	}
	return im.Pix[im.Index(x, y)]
}

// Set stores v at parent pixel (x, y). Writes outside the bounds are ignored.
func (im *Image) Set(x, y int, v float64) {
	if !(image.Point{X: x, Y: y}).In(im.Bounds) {
		return
	}
	im.Pix[im.Index(x, y)] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{Bounds: im.Bounds, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Sub copies the window r out of the image. It fails when r is not fully
// contained in the image bounds.
func (im *Image) Sub(r image.Rectangle) (*Image, error) {
	r = r.Canon()
	if r.Empty() || !r.In(im.Bounds) {
		return nil, fmt.Errorf("%w: box %v not within %v", ErrOutOfBounds, r, im.Bounds)
	}
	out := NewImage(r)
	w := r.Dx()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := im.Index(r.Min.X, y)
		copy(out.Pix[(y-r.Min.Y)*w:(y-r.Min.Y+1)*w], im.Pix[src:src+w])
	}
	return out, nil
}

// AddClipped adds other into im over the intersection of their bounds and
// reports the intersection that was used.
func (im *Image) AddClipped(other *Image, scale float64) image.Rectangle {
	overlap := im.Bounds.Intersect(other.Bounds)
	for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
		for x := overlap.Min.X; x < overlap.Max.X; x++ {
			v := other.Pix[other.Index(x, y)]
			if math.IsNaN(v) {
				continue
			}
			im.Pix[im.Index(x, y)] += scale * v
		}
	}
	return overlap
}

// NaNSum sums all finite values, skipping NaNs.
func (im *Image) NaNSum() float64 {
	var sum float64
	for _, v := range im.Pix {
		if math.IsNaN(v) {
			continue
		}
		sum += v
	}
	return sum
}

// Fill sets every pixel to v.
func (im *Image) Fill(v float64) {
	for i := range im.Pix {
		im.Pix[i] = v
	}
}
