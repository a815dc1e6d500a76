// Package measure runs the dipole fitter over a batch of candidate
// footprints and turns each outcome into a catalog record. A failing
// candidate is flagged; it never stops the batch.
package measure

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/dipolefit/internal/dipole"
	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/banshee-data/dipolefit/internal/monitoring"
)

// Flag marks how a record's measurement went.
type Flag uint8

const (
	// FlagFailure is set whenever no usable fit was produced.
	FlagFailure Flag = 1 << iota
	// FlagEdge marks a footprint too close to the image edge.
	FlagEdge
	// FlagNotDipole marks a footprint with fewer than two peaks.
	FlagNotDipole
)

// Has reports whether every bit of g is set in f.
func (f Flag) Has(g Flag) bool { return f&g == g }

func (f Flag) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	if f.Has(FlagFailure) {
		parts = append(parts, "failure")
	}
	if f.Has(FlagEdge) {
		parts = append(parts, "edge")
	}
	if f.Has(FlagNotDipole) {
		parts = append(parts, "not_dipole")
	}
	return strings.Join(parts, "|")
}

// Candidate is one footprint to measure.
type Candidate struct {
	ID        int64
	Footprint *imaging.Footprint
}

// Record is the outcome of measuring one candidate.
type Record struct {
	CandidateID int64
	Flags       Flag
	Err         error

	// Summary is nil when the fit failed.
	Summary        *dipole.FitSummary
	Classification dipole.ClassificationResult

	Naive              dipole.NaiveFluxResult
	NaivePos, NaiveNeg dipole.Point
	HasNaiveCentroids  bool
}

// IsDipole reports the classifier decision for a successful fit.
func (r *Record) IsDipole() bool {
	return r.Flags == 0 && r.Classification.IsDipole
}

var errNotMeasured = errors.New("candidate not measured")

// Task measures candidates with a fixed fitter and classifier.
type Task struct {
	fitter     *dipole.Fitter
	classifier *dipole.Classifier
	workers    int
}

// NewTask returns a Task running at most workers fits at once. workers <= 0
// uses GOMAXPROCS.
func NewTask(f *dipole.Fitter, c *dipole.Classifier, workers int) *Task {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Task{fitter: f, classifier: c, workers: workers}
}

// Workers returns the concurrency limit.
func (t *Task) Workers() int { return t.workers }

// Run measures every candidate against diff and the optional
// pre-subtraction exposures. Records are returned in candidate order. When
// ctx is cancelled no further candidates are started; the unmeasured ones
// carry FlagFailure and Run returns the context error alongside the records.
func (t *Task) Run(ctx context.Context, cands []Candidate, diff, pos, neg *imaging.Exposure) ([]Record, error) {
	if diff == nil {
		return nil, fmt.Errorf("measure: difference exposure is required")
	}
	start := time.Now()

	records := make([]Record, len(cands))
	for i, c := range cands {
		records[i] = Record{CandidateID: c.ID, Flags: FlagFailure, Err: errNotMeasured}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for i := range cands {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			records[i] = t.measure(cands[i], diff, pos, neg)
			return nil
		})
	}
	_ = g.Wait()

	c := Tally(records)
	monitoring.Opsf("measured %d candidates in %s: %d dipoles, %d failed (%d edge, %d not dipole), %d fallback",
		c.Total, time.Since(start).Round(time.Millisecond), c.Dipoles, c.Failed, c.Edge, c.NotDipole, c.Fallback)

	if err := ctx.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func (t *Task) measure(c Candidate, diff, pos, neg *imaging.Exposure) (rec Record) {
	rec.CandidateID = c.ID
	defer func() {
		if r := recover(); r != nil {
			monitoring.Opsf("candidate %d: recovered from panic: %v", c.ID, r)
			rec.Summary = nil
			rec.Flags |= FlagFailure
			rec.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	if c.Footprint == nil {
		rec.Flags = FlagFailure
		rec.Err = fmt.Errorf("candidate %d has no footprint", c.ID)
		return rec
	}

	rec.Naive = dipole.NaiveFlux(c.Footprint, diff.MaskedImage)
	if p, n, err := dipole.NaiveCentroids(c.Footprint, diff.MaskedImage); err == nil {
		rec.NaivePos, rec.NaiveNeg, rec.HasNaiveCentroids = p, n, true
	}

	s, err := t.fitter.Fit(c.Footprint, diff, pos, neg)
	if err != nil {
		rec.Flags = flagsFor(err)
		rec.Err = err
		monitoring.Diagf("candidate %d: %s: %v", c.ID, rec.Flags, err)
		return rec
	}
	rec.Summary = s
	if s.Degenerate {
		rec.Flags = FlagFailure
		rec.Err = fmt.Errorf("candidate %d: degenerate fit", c.ID)
		return rec
	}
	rec.Classification = t.classifier.Classify(s)
	return rec
}

func flagsFor(err error) Flag {
	switch {
	case errors.Is(err, dipole.ErrNotADipole):
		return FlagFailure | FlagNotDipole
	case errors.Is(err, dipole.ErrEdge):
		return FlagFailure | FlagEdge
	default:
		return FlagFailure
	}
}

// Counts summarizes a batch of records.
type Counts struct {
	Total      int
	Dipoles    int
	Failed     int
	Edge       int
	NotDipole  int
	Degenerate int
	Fallback   int
}

// Tally counts outcomes across records.
func Tally(records []Record) Counts {
	c := Counts{Total: len(records)}
	for i := range records {
		r := &records[i]
		if r.IsDipole() {
			c.Dipoles++
		}
		if r.Flags.Has(FlagFailure) {
			c.Failed++
		}
		if r.Flags.Has(FlagEdge) {
			c.Edge++
		}
		if r.Flags.Has(FlagNotDipole) {
			c.NotDipole++
		}
		if r.Summary != nil {
			if r.Summary.Degenerate {
				c.Degenerate++
			}
			if r.Summary.UsedFallback {
				c.Fallback++
			}
		}
	}
	return c
}
