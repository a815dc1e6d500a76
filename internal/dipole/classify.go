package dipole

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Classifier defaults.
const (
	DefaultMaxFluxRatio        = 0.65
	DefaultMaxChi2Significance = 0.05
)

// DefaultMinSignalToNoise is the signal-to-noise cut: five sigma per lobe
// added in quadrature.
var DefaultMinSignalToNoise = math.Sqrt2 * 5

// ClassifierConfig holds the classification thresholds. The chi-square rule
// is off by default; variance planes are often not calibrated well enough
// for it to mean anything.
type ClassifierConfig struct {
	MinSignalToNoise    float64
	MaxFluxRatio        float64
	EnableChi2Test      bool
	MaxChi2Significance float64
}

// DefaultClassifierConfig returns the production thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MinSignalToNoise:    DefaultMinSignalToNoise,
		MaxFluxRatio:        DefaultMaxFluxRatio,
		MaxChi2Significance: DefaultMaxChi2Significance,
	}
}

// Validate checks threshold ranges.
func (c ClassifierConfig) Validate() error {
	if c.MinSignalToNoise < 0 || math.IsNaN(c.MinSignalToNoise) {
		return fmt.Errorf("min_signal_to_noise must be non-negative, got %g", c.MinSignalToNoise)
	}
	if !(c.MaxFluxRatio > 0 && c.MaxFluxRatio <= 1) {
		return fmt.Errorf("max_flux_ratio must be in (0, 1], got %g", c.MaxFluxRatio)
	}
	if c.EnableChi2Test && !(c.MaxChi2Significance > 0 && c.MaxChi2Significance <= 1) {
		return fmt.Errorf("max_chi2_significance must be in (0, 1], got %g", c.MaxChi2Significance)
	}
	return nil
}

// ClassificationResult is the decision and the statistics behind it.
type ClassificationResult struct {
	IsDipole bool

	SignalToNoise    float64
	PosFluxRatio     float64
	NegFluxRatio     float64
	Chi2Significance float64 // NaN unless the chi-square rule ran

	PassesSignalToNoise bool
	PassesFluxRatio     bool
	PassesChi2          bool // true when the rule is disabled
}

// Classifier applies threshold rules to fit summaries.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier returns a Classifier for cfg.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Config returns the thresholds in use.
func (c *Classifier) Config() ClassifierConfig { return c.cfg }

// IsDipole reports whether s passes every enabled rule.
func (c *Classifier) IsDipole(s *FitSummary) bool {
	return c.Classify(s).IsDipole
}

// Classify evaluates every rule. A nil or degenerate summary never classifies
// as a dipole.
func (c *Classifier) Classify(s *FitSummary) ClassificationResult {
	out := ClassificationResult{
		SignalToNoise:    math.NaN(),
		PosFluxRatio:     math.NaN(),
		NegFluxRatio:     math.NaN(),
		Chi2Significance: math.NaN(),
		PassesChi2:       !c.cfg.EnableChi2Test,
	}
	if s == nil || s.Degenerate {
		return out
	}

	out.SignalToNoise = s.SignalToNoise
	out.PassesSignalToNoise = s.SignalToNoise > c.cfg.MinSignalToNoise

	total := math.Abs(s.PosFlux) + math.Abs(s.NegFlux)
	if total > 0 {
		out.PosFluxRatio = math.Abs(s.PosFlux) / total
		out.NegFluxRatio = math.Abs(s.NegFlux) / total
		out.PassesFluxRatio = out.PosFluxRatio < c.cfg.MaxFluxRatio && out.NegFluxRatio < c.cfg.MaxFluxRatio
	}

	if c.cfg.EnableChi2Test {
		if s.DoF > 0 && !math.IsNaN(s.Chi2) {
			out.Chi2Significance = distuv.ChiSquared{K: float64(s.DoF)}.CDF(s.Chi2)
			out.PassesChi2 = out.Chi2Significance < c.cfg.MaxChi2Significance
		}
	}

	out.IsDipole = out.PassesSignalToNoise && out.PassesFluxRatio && out.PassesChi2
	return out
}
