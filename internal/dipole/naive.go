package dipole

import (
	"fmt"
	"math"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// NaiveFluxResult holds the direct pixel sums of a footprint.
type NaiveFluxResult struct {
	PosFlux    float64
	PosFluxErr float64
	NPosPix    int
	NegFlux    float64 // sum of negative pixels, so <= 0
	NegFluxErr float64
	NNegPix    int
}

// NaiveFlux sums the positive and negative pixels of diff inside fp. Errors
// are sqrt of the summed variance of the contributing pixels. Non-finite
// pixels are skipped.
func NaiveFlux(fp *imaging.Footprint, diff *imaging.MaskedImage) NaiveFluxResult {
	var r NaiveFluxResult
	var posVar, negVar float64
	fp.ForEach(func(x, y int) {
		v := diff.Image.At(x, y)
		vv := diff.Variance.At(x, y)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		if math.IsNaN(vv) || vv < 0 {
			vv = 0
		}
		switch {
		case v > 0:
			r.PosFlux += v
			posVar += vv
			r.NPosPix++
		case v < 0:
			r.NegFlux += v
			negVar += vv
			r.NNegPix++
		}
	})
	r.PosFluxErr = math.Sqrt(posVar)
	r.NegFluxErr = math.Sqrt(negVar)
	return r
}

// NaiveCentroids returns the value-weighted first moment of the 3×3 window
// around each of the two lobe peaks. The positive lobe is the larger-valued
// of the first two peaks; the negative lobe is weighted by minus the pixel
// value. A window with no signal of the right sign keeps the peak position.
func NaiveCentroids(fp *imaging.Footprint, diff *imaging.MaskedImage) (pos, neg Point, err error) {
	if len(fp.Peaks) < 2 {
		return Point{}, Point{}, newFitError(ErrNotADipole, "NaiveCentroids", fmt.Errorf("footprint has %d peak(s)", len(fp.Peaks)))
	}
	a, b := fp.Peaks[0], fp.Peaks[1]
	if b.Value > a.Value {
		a, b = b, a
	}
	return windowCentroid(diff.Image, a, 1), windowCentroid(diff.Image, b, -1), nil
}

func windowCentroid(im *imaging.Image, pk imaging.Peak, sign float64) Point {
	cx := int(math.Floor(pk.X + 0.5))
	cy := int(math.Floor(pk.Y + 0.5))
	var sx, sy, sw float64
	for y := cy - 1; y <= cy+1; y++ {
		for x := cx - 1; x <= cx+1; x++ {
			w := sign * im.At(x, y)
			if math.IsNaN(w) || w <= 0 {
				continue
			}
			sx += w * float64(x)
			sy += w * float64(y)
			sw += w
		}
	}
	if sw == 0 {
		return Point{pk.X, pk.Y}
	}
	return Point{sx / sw, sy / sw}
}
