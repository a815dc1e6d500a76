package dipole

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/banshee-data/dipolefit/internal/imaging"
)

// BackgroundMode selects how pre-subtraction background gradients are handled.
type BackgroundMode int

const (
	// BackgroundOff fits no gradient.
	BackgroundOff BackgroundMode = iota
	// BackgroundPreFit subtracts a pre-fitted gradient from the
	// pre-subtraction planes before optimization.
	BackgroundPreFit
	// BackgroundPreFitAndRefit seeds gradient parameters from the pre-fit and
	// refines them jointly with the lobes.
	BackgroundPreFitAndRefit
)

func (m BackgroundMode) String() string {
	switch m {
	case BackgroundOff:
		return "off"
	case BackgroundPreFit:
		return "pre_fit"
	case BackgroundPreFitAndRefit:
		return "pre_fit_and_refit"
	default:
		return fmt.Sprintf("BackgroundMode(%d)", int(m))
	}
}

// ParseBackgroundMode accepts the names produced by BackgroundMode.String.
func ParseBackgroundMode(s string) (BackgroundMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "":
		return BackgroundOff, nil
	case "pre_fit", "prefit":
		return BackgroundPreFit, nil
	case "pre_fit_and_refit", "refit":
		return BackgroundPreFitAndRefit, nil
	}
	return BackgroundOff, fmt.Errorf("unknown background mode %q", s)
}

// Default fit settings.
const (
	DefaultTolerance            = 1e-7
	DefaultRelWeight            = 0.5
	DefaultBackgroundOrder      = 1
	DefaultBackgroundPadding    = 5
	DefaultMaxSeparationInSigma = 5.0
	DefaultMinFlux              = 0.1

	// startingFluxScale inflates the starting flux estimate; the optimizer
	// converges more reliably from above than from below.
	startingFluxScale = 5.0
)

// Options configures a Fitter.
type Options struct {
	Tolerance              float64
	RelWeight              float64 // weight of pre-subtraction planes relative to the diffim
	FitBackground          BackgroundMode
	BackgroundOrder        int // 0, 1 or 2
	BackgroundPadding      int // pixels grown around the footprint box for the background fit
	MaxSeparationInSigma   float64
	SeparateNegativeParams bool
	MaxFitEvaluations      int // 0 picks 2000*(nParams+1)
	MinFlux                float64
	BadMask                imaging.MaskBits // pixels carrying these planes get zero weight
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Tolerance:            DefaultTolerance,
		RelWeight:            DefaultRelWeight,
		FitBackground:        BackgroundPreFitAndRefit,
		BackgroundOrder:      DefaultBackgroundOrder,
		BackgroundPadding:    DefaultBackgroundPadding,
		MaxSeparationInSigma: DefaultMaxSeparationInSigma,
		MinFlux:              DefaultMinFlux,
		BadMask:              imaging.MaskBad | imaging.MaskNoData,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if !(o.Tolerance > 0) {
		return fmt.Errorf("tolerance must be positive, got %g", o.Tolerance)
	}
	if o.RelWeight < 0 || math.IsNaN(o.RelWeight) {
		return fmt.Errorf("rel_weight must be non-negative, got %g", o.RelWeight)
	}
	if o.FitBackground < BackgroundOff || o.FitBackground > BackgroundPreFitAndRefit {
		return fmt.Errorf("invalid background mode %d", int(o.FitBackground))
	}
	if o.BackgroundOrder < 0 || o.BackgroundOrder > 2 {
		return fmt.Errorf("background_order must be 0, 1 or 2, got %d", o.BackgroundOrder)
	}
	if o.BackgroundPadding < 1 {
		return fmt.Errorf("background_padding must be at least 1, got %d", o.BackgroundPadding)
	}
	if !(o.MaxSeparationInSigma > 0) {
		return fmt.Errorf("max_separation_in_sigma must be positive, got %g", o.MaxSeparationInSigma)
	}
	if o.MaxFitEvaluations < 0 {
		return fmt.Errorf("max_fit_evaluations must be non-negative, got %d", o.MaxFitEvaluations)
	}
	if !(o.MinFlux > 0) {
		return fmt.Errorf("min_flux must be positive, got %g", o.MinFlux)
	}
	return nil
}

// GradientParameters is a 2-D polynomial background surface. Coeffs holds
// (b, x1, y1, xy, x2, y2) truncated to the fitted order: one entry for
// order 0, three for order 1, six for order 2. A nil receiver or empty
// Coeffs means "not fit". Coordinates are taken relative to (X0, Y0).
type GradientParameters struct {
	X0, Y0 float64
	Coeffs []float64
}

// gradientTerms returns the number of polynomial terms for order, or 0 for
// a negative order.
func gradientTerms(order int) int {
	switch {
	case order < 0:
		return 0
	case order == 0:
		return 1
	case order == 1:
		return 3
	default:
		return 6
	}
}

// gradientBasis fills dst with the first len(dst) polynomial terms at
// offset (dx, dy).
func gradientBasis(dst []float64, dx, dy float64) {
	terms := [6]float64{1, dx, dy, dx * dy, dx * dx, dy * dy}
	copy(dst, terms[:len(dst)])
}

// Order returns the polynomial order, or -1 when nothing is fit.
func (g *GradientParameters) Order() int {
	if g == nil {
		return -1
	}
	switch len(g.Coeffs) {
	case 0:
		return -1
	case 1:
		return 0
	case 3:
		return 1
	default:
		return 2
	}
}

// Eval evaluates the surface at parent position (x, y).
func (g *GradientParameters) Eval(x, y float64) float64 {
	if g == nil || len(g.Coeffs) == 0 {
		return 0
	}
	var basis [6]float64
	gradientBasis(basis[:len(g.Coeffs)], x-g.X0, y-g.Y0)
	var v float64
	for i, c := range g.Coeffs {
		v += c * basis[i]
	}
	return v
}

// Surface renders the polynomial over box.
func (g *GradientParameters) Surface(box image.Rectangle) *imaging.Image {
	im := imaging.NewImage(box)
	if g == nil || len(g.Coeffs) == 0 {
		return im
	}
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			im.Pix[im.Index(x, y)] = g.Eval(float64(x), float64(y))
		}
	}
	return im
}

// Clone returns a deep copy; nil stays nil.
func (g *GradientParameters) Clone() *GradientParameters {
	if g == nil {
		return nil
	}
	return &GradientParameters{X0: g.X0, Y0: g.Y0, Coeffs: append([]float64(nil), g.Coeffs...)}
}

// FitParameters is the full set of model parameters. FluxNeg is ignored
// unless negative parameters are fit separately; NegGradient nil ties the
// negative lobe background to PosGradient.
type FitParameters struct {
	XPos, YPos  float64
	XNeg, YNeg  float64
	Flux        float64
	FluxNeg     float64
	SeparateNeg bool
	PosGradient *GradientParameters
	NegGradient *GradientParameters
}

// NegativeFlux returns the flux used for the negative lobe.
func (p FitParameters) NegativeFlux() float64 {
	if p.SeparateNeg {
		return p.FluxNeg
	}
	return p.Flux
}

// negativeGradient returns the surface applied under the negative lobe.
func (p FitParameters) negativeGradient() *GradientParameters {
	if p.NegGradient != nil {
		return p.NegGradient
	}
	return p.PosGradient
}

// Point is a sub-pixel position.
type Point struct {
	X, Y float64
}

// FitSummary is the outcome of one fit. Degenerate summaries carry NaN in
// every numeric field.
type FitSummary struct {
	PosCentroid Point
	NegCentroid Point
	Centroid    Point

	PosFlux float64 // > 0
	NegFlux float64 // reported negative
	Flux    float64 // mean absolute lobe flux

	PosFluxErr   float64 // optimizer standard errors
	NegFluxErr   float64
	PosFluxSigma float64 // sqrt of the summed variance under the footprint
	NegFluxSigma float64

	Orientation float64 // degrees, direction of the pos-minus-neg vector
	Separation  float64 // pixels

	Chi2          float64
	RedChi2       float64
	DoF           int
	SignalToNoise float64

	Evaluations  int
	UsedFallback bool
	Degenerate   bool
}

// degenerateSummary returns a summary with every value undefined.
func degenerateSummary(evals int, fallback bool) *FitSummary {
	nan := math.NaN()
	return &FitSummary{
		PosCentroid:   Point{nan, nan},
		NegCentroid:   Point{nan, nan},
		Centroid:      Point{nan, nan},
		PosFlux:       nan,
		NegFlux:       nan,
		Flux:          nan,
		PosFluxErr:    nan,
		NegFluxErr:    nan,
		PosFluxSigma:  nan,
		NegFluxSigma:  nan,
		Orientation:   nan,
		Separation:    nan,
		Chi2:          nan,
		RedChi2:       nan,
		SignalToNoise: nan,
		Evaluations:   evals,
		UsedFallback:  fallback,
		Degenerate:    true,
	}
}
