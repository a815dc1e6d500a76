package dipole

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/banshee-data/dipolefit/internal/monitoring"
)

// Thresholds past which a constrained fit is replaced by a diffim-only one.
const (
	maxReliableRedChi2 = 100.0
	maxReliableFluxErr = 1e6
)

// Fitter fits the dipole model to footprints. A Fitter holds no per-fit
// state and is safe for concurrent use.
type Fitter struct {
	opts Options
	sink DiagnosticsSink
}

// FitterOption customizes a Fitter.
type FitterOption func(*Fitter)

// WithDiagnostics installs a sink that observes every attempt.
func WithDiagnostics(s DiagnosticsSink) FitterOption {
	return func(f *Fitter) { f.sink = s }
}

// NewFitter validates opts and returns a Fitter.
func NewFitter(opts Options, fo ...FitterOption) (*Fitter, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fit options: %w", err)
	}
	f := &Fitter{opts: opts}
	for _, o := range fo {
		o(f)
	}
	return f, nil
}

// Options returns the fitter configuration.
func (f *Fitter) Options() Options { return f.opts }

// Attempt is the outcome of one optimization phase.
type Attempt struct {
	Phase       Phase
	Params      FitParameters
	FluxErr     float64
	FluxNegErr  float64
	RedChi2     float64
	RelWeight   float64 // effective weight of the pre-subtraction planes
	SeparateNeg bool
	Converged   string
	Summary     *FitSummary
}

// Unreliable reports whether a constrained attempt should be replaced by the
// diffim-only fit: reduced chi-square above 100, a flux standard error of
// exactly zero or at least 1e6, or a zero negative-flux standard error when
// negative parameters are separate. Attempts that did not use the
// pre-subtraction planes are never unreliable.
func (a *Attempt) Unreliable() bool {
	if a.RelWeight <= 0 {
		return false
	}
	switch {
	case a.RedChi2 > maxReliableRedChi2:
		return true
	case a.FluxErr == 0 || a.FluxErr >= maxReliableFluxErr:
		return true
	case a.SeparateNeg && a.FluxNegErr == 0:
		return true
	}
	return false
}

// Fit measures the dipole in fp. pos and neg are the optional
// pre-subtraction exposures; either or both may be nil. A footprint with
// fewer than two peaks fails with ErrNotADipole before any optimization.
// A fit that collapses onto the flux lower bound returns a Degenerate
// summary and no error.
func (f *Fitter) Fit(fp *imaging.Footprint, diff, pos, neg *imaging.Exposure) (*FitSummary, error) {
	if fp == nil {
		return nil, newFitError(ErrFitFailed, "Fit", errors.New("nil footprint"))
	}
	if len(fp.Peaks) < 2 {
		return nil, newFitError(ErrNotADipole, "Fit", fmt.Errorf("footprint has %d peak(s)", len(fp.Peaks)))
	}

	first, err := f.AttemptConstrained(fp, diff, pos, neg)
	if err != nil {
		return nil, err
	}
	if !first.Unreliable() {
		return first.Summary, nil
	}

	c := fp.BBox().Min
	monitoring.Opsf("dipole at %v: constrained fit unreliable (redchi=%.3g fluxErr=%.3g), refitting diffim only",
		c, first.RedChi2, first.FluxErr)
	second, err := f.AttemptUnconstrained(fp, diff, pos, neg)
	if err != nil {
		return nil, err
	}
	out := *second.Summary
	out.UsedFallback = true
	out.Evaluations += first.Summary.Evaluations
	return &out, nil
}

// AttemptConstrained runs the first phase: diffim plus pre-subtraction
// planes weighted by RelWeight, with background handling per the options.
// Without pre-subtraction exposures it degrades to a diffim-only fit.
func (f *Fitter) AttemptConstrained(fp *imaging.Footprint, diff, pos, neg *imaging.Exposure) (*Attempt, error) {
	relWeight, mode := f.opts.RelWeight, f.opts.FitBackground
	if pos == nil && neg == nil {
		relWeight, mode = 0, BackgroundOff
	}
	return f.attempt(PhaseConstrained, relWeight, mode, fp, diff, pos, neg)
}

// AttemptUnconstrained runs the fallback phase: the diffim alone with
// background fitting off. pos and neg only contribute their variance planes
// to the signal-to-noise estimate.
func (f *Fitter) AttemptUnconstrained(fp *imaging.Footprint, diff, pos, neg *imaging.Exposure) (*Attempt, error) {
	return f.attempt(PhaseUnconstrained, 0, BackgroundOff, fp, diff, pos, neg)
}

// fitInput is the per-attempt working set.
type fitInput struct {
	box     image.Rectangle
	planes  []*imaging.Image // observed data, [diff] or [diff, pos, neg]
	weights []*imaging.Image
	sqrtW   []float64 // flattened across planes
	data    []float64
	nData   int
}

func (f *Fitter) attempt(phase Phase, relWeight float64, mode BackgroundMode, fp *imaging.Footprint, diff, pos, neg *imaging.Exposure) (*Attempt, error) {
	op := phase.opName()
	if fp == nil || diff == nil || diff.MaskedImage == nil {
		return nil, newFitError(ErrFitFailed, op, errors.New("footprint and difference image are required"))
	}
	if diff.PSF == nil {
		return nil, newFitError(ErrFitFailed, op, errors.New("difference image has no psf"))
	}
	psfSigma := diff.PSF.Sigma()
	box := fp.BBox()
	if err := checkEdge(box, psfSigma, diff, pos, neg); err != nil {
		return nil, newFitError(ErrEdge, op, err)
	}

	diffCut, err := diff.Cutout(box)
	if err != nil {
		return nil, newFitError(ErrEdge, op, err)
	}
	in := &fitInput{box: box}
	in.addPlane(diffCut.Image, weightPlane(diffCut, 1, f.opts.BadMask))

	startFlux, err := startingFlux(diffCut.Image)
	if err != nil {
		return nil, newFitError(ErrFitFailed, op, err)
	}

	var posGrad, negGrad *GradientParameters
	if relWeight > 0 {
		posMI, negMI, err := f.presubtraction(box, diff, pos, neg)
		if err != nil {
			return nil, newFitError(ErrEdge, op, err)
		}
		if mode != BackgroundOff {
			posGrad, negGrad, err = f.backgrounds(fp, posMI, negMI, pos != nil, neg != nil)
			if err != nil {
				monitoring.Diagf("dipole at %v: background fit skipped: %v", box.Min, err)
				mode = BackgroundOff
			}
		}
		posCut, err := posMI.Cutout(box)
		if err != nil {
			return nil, newFitError(ErrEdge, op, err)
		}
		negCut, err := negMI.Cutout(box)
		if err != nil {
			return nil, newFitError(ErrEdge, op, err)
		}
		if mode == BackgroundPreFit {
			subtractSurface(posCut.Image, posGrad)
			subtractSurface(negCut.Image, negGrad)
			if s, err := startingFlux(posCut.Image); err == nil {
				startFlux = s
			}
		}
		in.addPlane(posCut.Image, weightPlane(posCut, relWeight, f.opts.BadMask))
		in.addPlane(negCut.Image, weightPlane(negCut, relWeight, f.opts.BadMask))
	}

	gradOrder := -1
	if mode == BackgroundPreFitAndRefit {
		gradOrder = f.opts.BackgroundOrder
	}
	layout := newParamLayout(f.opts.SeparateNegativeParams, gradOrder, boxCenter(box))
	model := &Model{PSF: diff.PSF, Box: box, RelWeight: relWeight}

	cx, cy := fp.Centroid()
	maxOffset := f.opts.MaxSeparationInSigma * psfSigma
	start := startingParameters(fp, cx, cy, maxOffset)
	start.Flux = math.Max(startFlux, 2*f.opts.MinFlux)
	start.SeparateNeg = layout.separateNeg
	if layout.separateNeg {
		start.FluxNeg = start.Flux
	}
	start.PosGradient = posGrad
	start.NegGradient = negGrad

	lower, upper := layout.bounds(cx, cy, maxOffset, f.opts.MinFlux)
	maxEval := f.opts.MaxFitEvaluations
	if maxEval == 0 {
		maxEval = 2000 * (layout.Len() + 1)
	}
	monitoring.Diagf("dipole at %v: %s attempt %v start=(%.2f,%.2f)/(%.2f,%.2f) flux=%.4g relWeight=%g background=%v",
		box.Min, phase, layout, start.XPos, start.YPos, start.XNeg, start.YNeg, start.Flux, relWeight, mode)

	problem := lmProblem{
		m:     len(in.data),
		nData: in.nData,
		lower: lower,
		upper: upper,
		residuals: func(dst, x []float64) error {
			return in.residuals(dst, model, layout.unpack(x))
		},
	}
	res, err := levenbergMarquardt(problem, layout.pack(start), lmSettings{
		ftol:    f.opts.Tolerance,
		xtol:    f.opts.Tolerance,
		gtol:    f.opts.Tolerance,
		maxEval: maxEval,
	})
	if err != nil {
		return nil, asFitFailure(op, err)
	}
	if monitoring.TraceEnabled() {
		monitoring.Tracef("dipole at %v: %s converged=%s evals=%d chi2=%.6g params=%v x=%v stderr=%v",
			box.Min, phase, res.converged, res.nEval, res.chi2, layout.names(), res.x, res.stderr)
	}

	params := layout.unpack(res.x)
	a := &Attempt{
		Phase:       phase,
		Params:      params,
		FluxErr:     res.stderr[idxFlux],
		FluxNegErr:  res.stderr[idxFlux],
		RedChi2:     res.redChi2,
		RelWeight:   relWeight,
		SeparateNeg: layout.separateNeg,
		Converged:   res.converged,
	}
	if i := layout.fluxNegIndex(); i >= 0 {
		a.FluxNegErr = res.stderr[i]
	}

	degenerate := params.Flux <= f.opts.MinFlux || params.NegativeFlux() <= f.opts.MinFlux
	if degenerate {
		a.Summary = degenerateSummary(res.nEval, false)
	} else {
		a.Summary = summarize(fp, params, a, res,
			lobeNoise(fp, diff, pos, f.opts.BadMask), lobeNoise(fp, diff, neg, f.opts.BadMask))
	}

	if f.sink != nil {
		modelPlanes, err := model.Synthesize(params)
		if err != nil {
			monitoring.Diagf("dipole at %v: %s model for diagnostics unavailable: %v", box.Min, phase, err)
		}
		f.sink.FitAttempt(&AttemptDiagnostics{
			Phase:      phase,
			Footprint:  fp,
			Data:       in.planes,
			Model:      modelPlanes,
			Weights:    in.weights,
			Params:     params,
			Summary:    a.Summary,
			Unreliable: a.Unreliable(),
		})
	}
	return a, nil
}

func (in *fitInput) addPlane(data, weight *imaging.Image) {
	in.planes = append(in.planes, data)
	in.weights = append(in.weights, weight)
	for i, w := range weight.Pix {
		v := data.Pix[i]
		if w > 0 {
			in.nData++
		}
		in.sqrtW = append(in.sqrtW, math.Sqrt(w))
		in.data = append(in.data, v)
	}
}

// residuals writes (data - model)·sqrt(w) for every pixel of every plane.
func (in *fitInput) residuals(dst []float64, model *Model, p FitParameters) error {
	planes, err := model.Synthesize(p)
	if err != nil {
		return err
	}
	j := 0
	for _, pl := range planes {
		for _, m := range pl.Pix {
			if in.sqrtW[j] == 0 {
				dst[j] = 0
			} else {
				dst[j] = (in.data[j] - m) * in.sqrtW[j]
			}
			j++
		}
	}
	return nil
}

// checkEdge requires the footprint box, grown by half a PSF width, to lie
// inside every supplied exposure.
func checkEdge(box image.Rectangle, psfSigma float64, exps ...*imaging.Exposure) error {
	margin := int(math.Ceil(psfSigma / 2))
	grown := box.Inset(-margin)
	for _, e := range exps {
		if e == nil || e.MaskedImage == nil {
			continue
		}
		if !grown.In(e.Bounds()) {
			return fmt.Errorf("footprint box %v grown by %d px leaves image %v", box, margin, e.Bounds())
		}
	}
	return nil
}

// presubtraction returns pos and neg planes over the background region,
// deriving a missing one from the other and the diffim.
func (f *Fitter) presubtraction(box image.Rectangle, diff, pos, neg *imaging.Exposure) (*imaging.MaskedImage, *imaging.MaskedImage, error) {
	region := box.Inset(-f.opts.BackgroundPadding).Intersect(diff.Bounds())
	for _, e := range []*imaging.Exposure{pos, neg} {
		if e != nil {
			region = region.Intersect(e.Bounds())
		}
	}
	d, err := diff.Cutout(region)
	if err != nil {
		return nil, nil, err
	}
	var p, n *imaging.MaskedImage
	if pos != nil {
		if p, err = pos.Cutout(region); err != nil {
			return nil, nil, err
		}
	}
	if neg != nil {
		if n, err = neg.Cutout(region); err != nil {
			return nil, nil, err
		}
	}
	switch {
	case p == nil:
		p = deriveCounterpart(n, d, 1)
	case n == nil:
		n = deriveCounterpart(p, d, -1)
	}
	return p, n, nil
}

// deriveCounterpart returns have + sign·diff carrying have's variance.
func deriveCounterpart(have, diff *imaging.MaskedImage, sign float64) *imaging.MaskedImage {
	out := have.Clone()
	for i := range out.Image.Pix {
		out.Image.Pix[i] += sign * diff.Image.Pix[i]
		out.Mask[i] |= diff.Mask[i]
	}
	return out
}

// backgrounds fits the pre-subtraction gradients. With only one supplied
// image, its gradient serves both lobes.
func (f *Fitter) backgrounds(fp *imaging.Footprint, posMI, negMI *imaging.MaskedImage, havePos, haveNeg bool) (*GradientParameters, *GradientParameters, error) {
	order, pad := f.opts.BackgroundOrder, f.opts.BackgroundPadding
	switch {
	case havePos && haveNeg:
		pg, err := FitBackground(fp, posMI, order, pad)
		if err != nil {
			return nil, nil, err
		}
		ng, err := FitBackground(fp, negMI, order, pad)
		if err != nil {
			return nil, nil, err
		}
		return pg, ng, nil
	case havePos:
		g, err := FitBackground(fp, posMI, order, pad)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Clone(), nil
	default:
		g, err := FitBackground(fp, negMI, order, pad)
		if err != nil {
			return nil, nil, err
		}
		return g.Clone(), g, nil
	}
}

func subtractSurface(im *imaging.Image, g *GradientParameters) {
	if g == nil {
		return
	}
	s := g.Surface(im.Bounds)
	for i := range im.Pix {
		im.Pix[i] -= s.Pix[i]
	}
}

// weightPlane returns scale/variance per pixel, zero where the pixel is
// masked, non-finite, or has non-positive variance.
func weightPlane(mi *imaging.MaskedImage, scale float64, bad imaging.MaskBits) *imaging.Image {
	w := imaging.NewImage(mi.Bounds())
	for i, v := range mi.Image.Pix {
		vv := mi.Variance.Pix[i]
		if mi.Mask[i].Has(bad) || math.IsNaN(v) || math.IsInf(v, 0) || !(vv > 0) || math.IsInf(vv, 0) {
			continue
		}
		w.Pix[i] = scale / vv
	}
	return w
}

// startingFlux returns 5·Σ(|p| − median|p|) over the finite pixels of im.
func startingFlux(im *imaging.Image) (float64, error) {
	abs := make([]float64, 0, len(im.Pix))
	for _, v := range im.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		abs = append(abs, math.Abs(v))
	}
	if len(abs) == 0 {
		return 0, errors.New("no finite pixels in cutout")
	}
	sort.Float64s(abs)
	med := stat.Quantile(0.5, stat.Empirical, abs, nil)
	var sum float64
	for _, v := range abs {
		sum += v - med
	}
	return startingFluxScale * sum, nil
}

// startingParameters places the lobes on the first two footprint peaks. The
// positive lobe takes the larger-valued one. With fewer than two peaks both
// lobes start at the footprint centroid. A peak farther than maxOffset from
// the centroid on either axis starts at the centroid instead.
func startingParameters(fp *imaging.Footprint, cx, cy, maxOffset float64) FitParameters {
	p := FitParameters{XPos: cx, YPos: cy, XNeg: cx, YNeg: cy}
	if len(fp.Peaks) < 2 {
		return p
	}
	within := func(pk imaging.Peak) bool {
		return math.Abs(pk.X-cx) <= maxOffset && math.Abs(pk.Y-cy) <= maxOffset
	}
	a, b := fp.Peaks[0], fp.Peaks[1]
	if b.Value > a.Value {
		a, b = b, a
	}
	if within(a) {
		p.XPos, p.YPos = a.X, a.Y
	}
	if within(b) {
		p.XNeg, p.YNeg = b.X, b.Y
	}
	return p
}

func boxCenter(r image.Rectangle) Point {
	return Point{
		X: float64(r.Min.X+r.Max.X-1) / 2,
		Y: float64(r.Min.Y+r.Max.Y-1) / 2,
	}
}
