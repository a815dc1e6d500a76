package dipole

import (
	"math"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// summarize derives the reported statistics from a converged attempt.
func summarize(fp *imaging.Footprint, p FitParameters, a *Attempt, res *lmResult, posSigma, negSigma float64) *FitSummary {
	posFlux := p.Flux
	negFlux := p.NegativeFlux()
	dx, dy := p.XPos-p.XNeg, p.YPos-p.YNeg

	s := &FitSummary{
		PosCentroid:  Point{p.XPos, p.YPos},
		NegCentroid:  Point{p.XNeg, p.YNeg},
		Centroid:     Point{(p.XPos + p.XNeg) / 2, (p.YPos + p.YNeg) / 2},
		PosFlux:      posFlux,
		NegFlux:      -negFlux,
		Flux:         (math.Abs(posFlux) + math.Abs(negFlux)) / 2,
		PosFluxErr:   a.FluxErr,
		NegFluxErr:   a.FluxNegErr,
		PosFluxSigma: posSigma,
		NegFluxSigma: negSigma,
		Orientation:  math.Atan2(dy, dx) * 180 / math.Pi,
		Separation:   math.Hypot(dx, dy),
		Chi2:         res.chi2,
		RedChi2:      res.redChi2,
		DoF:          res.dof,
		Evaluations:  res.nEval,
	}
	s.SignalToNoise = math.Sqrt(sq(posFlux/posSigma) + sq(negFlux/negSigma))
	return s
}

// lobeNoise returns sqrt of the summed variance over the footprint pixels of
// presub. Pixels carrying bad mask bits or a non-finite variance are skipped.
// When presub is missing or yields no usable noise the diffim variance is
// used instead, and NaN is returned if that is unusable too.
func lobeNoise(fp *imaging.Footprint, diff, presub *imaging.Exposure, bad imaging.MaskBits) float64 {
	if presub != nil && presub.MaskedImage != nil {
		if sigma := summedNoise(fp, presub.MaskedImage, bad); usableNoise(sigma) {
			return sigma
		}
	}
	if diff != nil && diff.MaskedImage != nil {
		if sigma := summedNoise(fp, diff.MaskedImage, bad); usableNoise(sigma) {
			return sigma
		}
	}
	return math.NaN()
}

func summedNoise(fp *imaging.Footprint, mi *imaging.MaskedImage, bad imaging.MaskBits) float64 {
	var sum float64
	fp.ForEach(func(x, y int) {
		if mi.MaskAt(x, y).Has(bad) {
			return
		}
		v := mi.Variance.At(x, y)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return
		}
		sum += v
	})
	return math.Sqrt(sum)
}

func usableNoise(sigma float64) bool {
	return sigma > 0 && !math.IsInf(sigma, 0)
}

func sq(v float64) float64 { return v * v }
