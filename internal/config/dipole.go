// Package config loads dipolefit settings from JSON. Every field is a
// pointer so a partial file only overrides what it names; the Get* methods
// supply defaults for the rest.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/dipolefit/internal/dipole"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/dipole.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// DipoleConfig is the root configuration.
type DipoleConfig struct {
	// Fit
	Tolerance              *float64 `json:"tolerance,omitempty"`
	RelWeight              *float64 `json:"rel_weight,omitempty"`
	FitBackground          *string  `json:"fit_background,omitempty"`
	BackgroundOrder        *int     `json:"background_order,omitempty"`
	BackgroundPadding      *int     `json:"background_padding,omitempty"`
	MaxSeparationInSigma   *float64 `json:"max_separation_in_sigma,omitempty"`
	SeparateNegativeParams *bool    `json:"separate_negative_params,omitempty"`
	MaxFitEvaluations      *int     `json:"max_fit_evaluations,omitempty"`
	MinFlux                *float64 `json:"min_flux,omitempty"`

	// Classification
	MinSignalToNoise    *float64 `json:"min_signal_to_noise,omitempty"`
	MaxFluxRatio        *float64 `json:"max_flux_ratio,omitempty"`
	EnableChi2Test      *bool    `json:"enable_chi2_test,omitempty"`
	MaxChi2Significance *float64 `json:"max_chi2_significance,omitempty"`

	// Run
	Workers  *int `json:"workers,omitempty"`
	MaxPlots *int `json:"max_plots,omitempty"`

	// Simulated field
	FieldWidth         *int     `json:"field_width,omitempty"`
	FieldHeight        *int     `json:"field_height,omitempty"`
	PSFSigma           *float64 `json:"psf_sigma,omitempty"`
	Noise              *float64 `json:"noise,omitempty"`
	BackgroundLevel    *float64 `json:"background_level,omitempty"`
	NumSources         *int     `json:"num_sources,omitempty"`
	SourceMinFlux      *float64 `json:"source_min_flux,omitempty"`
	SourceMaxFlux      *float64 `json:"source_max_flux,omitempty"`
	SourceMinSpacing   *float64 `json:"source_min_spacing,omitempty"`
	UnbalancedFraction *float64 `json:"unbalanced_fraction,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyDipoleConfig returns a config with every field unset.
func EmptyDipoleConfig() *DipoleConfig {
	return &DipoleConfig{}
}

// LoadDipoleConfig reads a config file. The path must end in .json and the
// file must be under 1 MB.
func LoadDipoleConfig(path string) (*DipoleConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDipoleConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. It panics when the file is missing; use it in
// tests.
func MustLoadDefaultConfig() *DipoleConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDipoleConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the set fields and the derived fit and classifier
// settings.
func (c *DipoleConfig) Validate() error {
	if c.FitBackground != nil {
		if _, err := dipole.ParseBackgroundMode(*c.FitBackground); err != nil {
			return fmt.Errorf("fit_background: %w", err)
		}
	}
	if err := c.FitOptionsUnchecked().Validate(); err != nil {
		return err
	}
	if err := c.ClassifierConfig().Validate(); err != nil {
		return err
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.MaxPlots != nil && *c.MaxPlots < 0 {
		return fmt.Errorf("max_plots must be non-negative, got %d", *c.MaxPlots)
	}
	if c.GetFieldWidth() < 32 || c.GetFieldHeight() < 32 {
		return fmt.Errorf("field must be at least 32x32, got %dx%d", c.GetFieldWidth(), c.GetFieldHeight())
	}
	if !(c.GetPSFSigma() > 0) {
		return fmt.Errorf("psf_sigma must be positive, got %g", c.GetPSFSigma())
	}
	if c.GetNoise() < 0 || math.IsNaN(c.GetNoise()) {
		return fmt.Errorf("noise must be non-negative, got %g", c.GetNoise())
	}
	if c.GetNumSources() < 0 {
		return fmt.Errorf("num_sources must be non-negative, got %d", c.GetNumSources())
	}
	if !(c.GetSourceMinFlux() > 0 && c.GetSourceMaxFlux() >= c.GetSourceMinFlux()) {
		return fmt.Errorf("source flux range [%g, %g] is invalid", c.GetSourceMinFlux(), c.GetSourceMaxFlux())
	}
	if u := c.GetUnbalancedFraction(); u < 0 || u > 1 {
		return fmt.Errorf("unbalanced_fraction must be between 0 and 1, got %g", u)
	}
	return nil
}

// FitOptions converts the fit section to dipole.Options.
func (c *DipoleConfig) FitOptions() (dipole.Options, error) {
	o := c.FitOptionsUnchecked()
	if c.FitBackground != nil {
		if _, err := dipole.ParseBackgroundMode(*c.FitBackground); err != nil {
			return o, fmt.Errorf("fit_background: %w", err)
		}
	}
	return o, o.Validate()
}

// FitOptionsUnchecked is FitOptions without validation. An unparseable
// background mode maps to off.
func (c *DipoleConfig) FitOptionsUnchecked() dipole.Options {
	o := dipole.DefaultOptions()
	o.Tolerance = c.GetTolerance()
	o.RelWeight = c.GetRelWeight()
	o.FitBackground = c.GetFitBackground()
	o.BackgroundOrder = c.GetBackgroundOrder()
	o.BackgroundPadding = c.GetBackgroundPadding()
	o.MaxSeparationInSigma = c.GetMaxSeparationInSigma()
	o.SeparateNegativeParams = c.GetSeparateNegativeParams()
	o.MaxFitEvaluations = c.GetMaxFitEvaluations()
	o.MinFlux = c.GetMinFlux()
	return o
}

// ClassifierConfig converts the classification section.
func (c *DipoleConfig) ClassifierConfig() dipole.ClassifierConfig {
	return dipole.ClassifierConfig{
		MinSignalToNoise:    c.GetMinSignalToNoise(),
		MaxFluxRatio:        c.GetMaxFluxRatio(),
		EnableChi2Test:      c.GetEnableChi2Test(),
		MaxChi2Significance: c.GetMaxChi2Significance(),
	}
}

// Resolved returns a copy with every field set to its effective value.
func (c *DipoleConfig) Resolved() *DipoleConfig {
	return &DipoleConfig{
		Tolerance:              ptrFloat64(c.GetTolerance()),
		RelWeight:              ptrFloat64(c.GetRelWeight()),
		FitBackground:          ptrString(c.GetFitBackground().String()),
		BackgroundOrder:        ptrInt(c.GetBackgroundOrder()),
		BackgroundPadding:      ptrInt(c.GetBackgroundPadding()),
		MaxSeparationInSigma:   ptrFloat64(c.GetMaxSeparationInSigma()),
		SeparateNegativeParams: ptrBool(c.GetSeparateNegativeParams()),
		MaxFitEvaluations:      ptrInt(c.GetMaxFitEvaluations()),
		MinFlux:                ptrFloat64(c.GetMinFlux()),
		MinSignalToNoise:       ptrFloat64(c.GetMinSignalToNoise()),
		MaxFluxRatio:           ptrFloat64(c.GetMaxFluxRatio()),
		EnableChi2Test:         ptrBool(c.GetEnableChi2Test()),
		MaxChi2Significance:    ptrFloat64(c.GetMaxChi2Significance()),
		Workers:                ptrInt(c.GetWorkers()),
		MaxPlots:               ptrInt(c.GetMaxPlots()),
		FieldWidth:             ptrInt(c.GetFieldWidth()),
		FieldHeight:            ptrInt(c.GetFieldHeight()),
		PSFSigma:               ptrFloat64(c.GetPSFSigma()),
		Noise:                  ptrFloat64(c.GetNoise()),
		BackgroundLevel:        ptrFloat64(c.GetBackgroundLevel()),
		NumSources:             ptrInt(c.GetNumSources()),
		SourceMinFlux:          ptrFloat64(c.GetSourceMinFlux()),
		SourceMaxFlux:          ptrFloat64(c.GetSourceMaxFlux()),
		SourceMinSpacing:       ptrFloat64(c.GetSourceMinSpacing()),
		UnbalancedFraction:     ptrFloat64(c.GetUnbalancedFraction()),
	}
}

// JSON encodes the resolved configuration.
func (c *DipoleConfig) JSON() (json.RawMessage, error) {
	return json.Marshal(c.Resolved())
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c *DipoleConfig) GetTolerance() float64 { return getFloat(c.Tolerance, dipole.DefaultTolerance) }
func (c *DipoleConfig) GetRelWeight() float64 { return getFloat(c.RelWeight, dipole.DefaultRelWeight) }

// GetFitBackground parses fit_background; unset or invalid values give the
// pre-fit-and-refit default and off respectively.
func (c *DipoleConfig) GetFitBackground() dipole.BackgroundMode {
	if c.FitBackground == nil {
		return dipole.BackgroundPreFitAndRefit
	}
	m, err := dipole.ParseBackgroundMode(*c.FitBackground)
	if err != nil {
		return dipole.BackgroundOff
	}
	return m
}

func (c *DipoleConfig) GetBackgroundOrder() int {
	return getInt(c.BackgroundOrder, dipole.DefaultBackgroundOrder)
}

func (c *DipoleConfig) GetBackgroundPadding() int {
	return getInt(c.BackgroundPadding, dipole.DefaultBackgroundPadding)
}

func (c *DipoleConfig) GetMaxSeparationInSigma() float64 {
	return getFloat(c.MaxSeparationInSigma, dipole.DefaultMaxSeparationInSigma)
}

func (c *DipoleConfig) GetSeparateNegativeParams() bool { return getBool(c.SeparateNegativeParams, false) }
func (c *DipoleConfig) GetMaxFitEvaluations() int       { return getInt(c.MaxFitEvaluations, 0) }
func (c *DipoleConfig) GetMinFlux() float64             { return getFloat(c.MinFlux, dipole.DefaultMinFlux) }

func (c *DipoleConfig) GetMinSignalToNoise() float64 {
	return getFloat(c.MinSignalToNoise, dipole.DefaultMinSignalToNoise)
}

func (c *DipoleConfig) GetMaxFluxRatio() float64 {
	return getFloat(c.MaxFluxRatio, dipole.DefaultMaxFluxRatio)
}

func (c *DipoleConfig) GetEnableChi2Test() bool { return getBool(c.EnableChi2Test, false) }

func (c *DipoleConfig) GetMaxChi2Significance() float64 {
	return getFloat(c.MaxChi2Significance, dipole.DefaultMaxChi2Significance)
}

// GetWorkers returns the worker count; 0 means one per CPU.
func (c *DipoleConfig) GetWorkers() int  { return getInt(c.Workers, 0) }
func (c *DipoleConfig) GetMaxPlots() int { return getInt(c.MaxPlots, 50) }

func (c *DipoleConfig) GetFieldWidth() int             { return getInt(c.FieldWidth, 256) }
func (c *DipoleConfig) GetFieldHeight() int            { return getInt(c.FieldHeight, 256) }
func (c *DipoleConfig) GetPSFSigma() float64           { return getFloat(c.PSFSigma, 2.0) }
func (c *DipoleConfig) GetNoise() float64              { return getFloat(c.Noise, 10.0) }
func (c *DipoleConfig) GetBackgroundLevel() float64    { return getFloat(c.BackgroundLevel, 100.0) }
func (c *DipoleConfig) GetNumSources() int             { return getInt(c.NumSources, 12) }
func (c *DipoleConfig) GetSourceMinFlux() float64      { return getFloat(c.SourceMinFlux, 2000) }
func (c *DipoleConfig) GetSourceMaxFlux() float64      { return getFloat(c.SourceMaxFlux, 30000) }
func (c *DipoleConfig) GetSourceMinSpacing() float64   { return getFloat(c.SourceMinSpacing, 30) }
func (c *DipoleConfig) GetUnbalancedFraction() float64 { return getFloat(c.UnbalancedFraction, 0.2) }
