package imaging

import (
	"errors"
	"fmt"
	"image"
)

// ErrOutOfBounds is returned when a requested window does not fit inside an
// image.
var ErrOutOfBounds = errors.New("imaging: box outside image bounds")

// MaskBits is a bit set of mask planes for one pixel.
type MaskBits uint32

// Mask planes.
const (
	MaskBad MaskBits = 1 << iota
	MaskSaturated
	MaskInterpolated
	MaskCosmicRay
	MaskEdge
	MaskDetected
	MaskDetectedNegative
	MaskNoData
)

// Has reports whether any of the planes in other are set.
func (m MaskBits) Has(other MaskBits) bool { return m&other != 0 }

// MaskedImage is a pixel cutout: value, variance and mask planes sharing the
// same bounds.
type MaskedImage struct {
	Image    *Image
	Variance *Image
	Mask     []MaskBits
}

// NewMaskedImage allocates zeroed planes covering r.
func NewMaskedImage(r image.Rectangle) *MaskedImage {
	r = r.Canon()
	return &MaskedImage{
		Image:    NewImage(r),
		Variance: NewImage(r),
		Mask:     make([]MaskBits, r.Dx()*r.Dy()),
	}
}

// Bounds returns the shared bounds of the planes.
func (mi *MaskedImage) Bounds() image.Rectangle { return mi.Image.Bounds }

// MaskAt returns the mask bits at parent pixel (x, y), or MaskNoData outside
// the bounds.
func (mi *MaskedImage) MaskAt(x, y int) MaskBits {
	if !(image.Point{X: x, Y: y}).In(mi.Bounds()) {
		return MaskNoData
	}
	return mi.Mask[mi.Image.Index(x, y)]
}

// Cutout copies the window box from all three planes.
func (mi *MaskedImage) Cutout(box image.Rectangle) (*MaskedImage, error) {
	img, err := mi.Image.Sub(box)
	if err != nil {
		return nil, err
	}
	vr, err := mi.Variance.Sub(box)
	if err != nil {
		return nil, err
	}
	out := &MaskedImage{Image: img, Variance: vr, Mask: make([]MaskBits, len(img.Pix))}
	w := box.Dx()
	for y := box.Min.Y; y < box.Max.Y; y++ {
		src := mi.Image.Index(box.Min.X, y)
		copy(out.Mask[(y-box.Min.Y)*w:(y-box.Min.Y+1)*w], mi.Mask[src:src+w])
	}
	return out, nil
}

// Clone returns a deep copy of all planes.
func (mi *MaskedImage) Clone() *MaskedImage {
	out := &MaskedImage{
		Image:    mi.Image.Clone(),
		Variance: mi.Variance.Clone(),
		Mask:     make([]MaskBits, len(mi.Mask)),
	}
	copy(out.Mask, mi.Mask)
	return out
}

// Combine returns a + sign*b pixelwise. Variances add and masks are OR-ed.
// Both images must share bounds.
func Combine(a, b *MaskedImage, sign float64) (*MaskedImage, error) {
	if a.Bounds() != b.Bounds() {
		return nil, fmt.Errorf("imaging: combine bounds mismatch %v vs %v", a.Bounds(), b.Bounds())
	}
	out := a.Clone()
	for i := range out.Image.Pix {
		out.Image.Pix[i] += sign * b.Image.Pix[i]
		out.Variance.Pix[i] += b.Variance.Pix[i]
		out.Mask[i] |= b.Mask[i]
	}
	return out, nil
}
