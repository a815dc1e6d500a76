package dipole

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// FitBackground fits a 2-D polynomial of the given order to the pixels of
// img that lie inside the footprint bounding box grown by padding (clipped
// to the image) but outside the footprint itself. Pixels with a non-finite
// value or variance are skipped. The polynomial origin is the mean
// position of the grown box.
//
// A solve with fewer usable pixels than polynomial terms, or a rank
// deficient design matrix, fails with ErrDegenerateBackground.
func FitBackground(fp *imaging.Footprint, img *imaging.MaskedImage, order, padding int) (*GradientParameters, error) {
	if order < 0 || order > 2 {
		return nil, fmt.Errorf("background order must be 0, 1 or 2, got %d", order)
	}
	box := fp.BBox().Inset(-padding).Intersect(img.Bounds())
	if box.Empty() {
		return nil, newFitError(ErrDegenerateBackground, "FitBackground", fmt.Errorf("grown box %v outside image", fp.BBox()))
	}
	x0 := float64(box.Min.X+box.Max.X-1) / 2
	y0 := float64(box.Min.Y+box.Max.Y-1) / 2

	nTerms := gradientTerms(order)
	var rows []float64
	var values []float64
	basis := make([]float64, nTerms)
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if fp.Contains(x, y) {
				continue
			}
			v := img.Image.At(x, y)
			vv := img.Variance.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) || math.IsNaN(vv) || math.IsInf(vv, 0) {
				continue
			}
			gradientBasis(basis, float64(x)-x0, float64(y)-y0)
			rows = append(rows, basis...)
			values = append(values, v)
		}
	}
	n := len(values)
	if n < nTerms {
		return nil, newFitError(ErrDegenerateBackground, "FitBackground",
			fmt.Errorf("%d background pixels for %d terms", n, nTerms))
	}

	a := mat.NewDense(n, nTerms, rows)
	b := mat.NewVecDense(n, values)

	var qr mat.QR
	qr.Factorize(a)
	var coeffs mat.VecDense
	if err := qr.SolveVecTo(&coeffs, false, b); err != nil {
		return nil, newFitError(ErrDegenerateBackground, "FitBackground", err)
	}

	out := &GradientParameters{X0: x0, Y0: y0, Coeffs: make([]float64, nTerms)}
	for i := range out.Coeffs {
		c := coeffs.AtVec(i)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, newFitError(ErrDegenerateBackground, "FitBackground", fmt.Errorf("non-finite coefficient %d", i))
		}
		out.Coeffs[i] = c
	}
	return out, nil
}
