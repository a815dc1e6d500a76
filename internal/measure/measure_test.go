package measure

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dipolefit/internal/dipole"
	"github.com/banshee-data/dipolefit/internal/imaging"
	"github.com/banshee-data/dipolefit/internal/monitoring"
	"github.com/banshee-data/dipolefit/internal/simulate"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTask(t *testing.T, workers int) *Task {
	t.Helper()
	f, err := dipole.NewFitter(dipole.DefaultOptions())
	require.NoError(t, err)
	return NewTask(f, dipole.NewClassifier(dipole.DefaultClassifierConfig()), workers)
}

type field struct {
	gen   *simulate.Generator
	scene *simulate.Scene
}

func newField(t *testing.T, dipoles ...simulate.Dipole) field {
	t.Helper()
	g := simulate.NewGenerator(42)
	g.Width, g.Height = 200, 100
	g.Noise = 1
	g.Background = simulate.Background{Level: 12, SlopeX: 0.05}
	sc, err := g.DipoleScene(dipoles)
	require.NoError(t, err)
	return field{gen: g, scene: sc}
}

var (
	goodDipole   = simulate.Dipole{PosX: 66.3, PosY: 50.2, NegX: 60.8, NegY: 48.7, PosFlux: 20000, NegFlux: 20000}
	edgeDipole   = simulate.Dipole{PosX: 4.5, PosY: 30, NegX: 1.5, NegY: 30, PosFlux: 20000, NegFlux: 20000}
	lonelyDipole = simulate.Dipole{PosX: 150.4, PosY: 60.1, NegX: 144.9, NegY: 61.3, PosFlux: 20000, NegFlux: 20000}
)

func TestTask_Run_MapsOutcomesToFlags(t *testing.T) {
	t.Parallel()

	f := newField(t, goodDipole, edgeDipole, lonelyDipole)
	cands := []Candidate{
		{ID: 1, Footprint: f.gen.Footprint(f.scene.Diff, goodDipole)},
		{ID: 2, Footprint: f.gen.Footprint(f.scene.Diff, edgeDipole)},
		{ID: 3, Footprint: f.gen.SinglePeakFootprint(f.scene.Diff, lonelyDipole)},
		{ID: 4},
	}

	recs, err := newTask(t, 2).Run(context.Background(), cands, f.scene.Diff, f.scene.Pos, f.scene.Neg)
	require.NoError(t, err)
	require.Len(t, recs, len(cands))
	for i, r := range recs {
		assert.Equal(t, cands[i].ID, r.CandidateID)
	}

	good := recs[0]
	require.NoError(t, good.Err)
	assert.Equal(t, Flag(0), good.Flags)
	require.NotNil(t, good.Summary)
	assert.InDelta(t, goodDipole.PosX, good.Summary.PosCentroid.X, 0.05)
	assert.True(t, good.Classification.IsDipole)
	assert.True(t, good.IsDipole())
	assert.True(t, good.HasNaiveCentroids)
	assert.Greater(t, good.Naive.PosFlux, 0.0)

	assert.Equal(t, FlagFailure|FlagEdge, recs[1].Flags)
	assert.ErrorIs(t, recs[1].Err, dipole.ErrEdge)
	assert.Nil(t, recs[1].Summary)

	lonely := recs[2]
	assert.Equal(t, FlagFailure|FlagNotDipole, lonely.Flags)
	assert.ErrorIs(t, lonely.Err, dipole.ErrNotADipole)
	assert.False(t, lonely.HasNaiveCentroids)
	assert.Greater(t, lonely.Naive.PosFlux, 0.0)
	assert.False(t, lonely.IsDipole())

	assert.Equal(t, FlagFailure, recs[3].Flags)
	assert.Error(t, recs[3].Err)

	c := Tally(recs)
	assert.Equal(t, Counts{Total: 4, Dipoles: 1, Failed: 3, Edge: 1, NotDipole: 1}, c)
}

func TestTask_Run_WorkerCountDoesNotChangeResults(t *testing.T) {
	t.Parallel()

	f := newField(t, goodDipole, lonelyDipole)
	cands := []Candidate{
		{ID: 10, Footprint: f.gen.Footprint(f.scene.Diff, goodDipole)},
		{ID: 11, Footprint: f.gen.Footprint(f.scene.Diff, lonelyDipole)},
	}

	serial, err := newTask(t, 1).Run(context.Background(), cands, f.scene.Diff, f.scene.Pos, f.scene.Neg)
	require.NoError(t, err)
	parallel, err := newTask(t, 4).Run(context.Background(), cands, f.scene.Diff, f.scene.Pos, f.scene.Neg)
	require.NoError(t, err)

	for i := range cands {
		require.NotNil(t, serial[i].Summary)
		require.NotNil(t, parallel[i].Summary)
		assert.Equal(t, *serial[i].Summary, *parallel[i].Summary)
	}
}

func TestTask_Run_Cancelled(t *testing.T) {
	t.Parallel()

	f := newField(t, goodDipole)
	cands := []Candidate{{ID: 1, Footprint: f.gen.Footprint(f.scene.Diff, goodDipole)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recs, err := newTask(t, 1).Run(ctx, cands, f.scene.Diff, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, recs, 1)
	assert.Equal(t, FlagFailure, recs[0].Flags)
	assert.True(t, errors.Is(recs[0].Err, errNotMeasured))
}

func TestTask_Run_RecoversPanics(t *testing.T) {
	t.Parallel()

	// A diffim without a variance plane makes the naive measurement panic.
	p, err := simulate.NewGenerator(1).PSF()
	require.NoError(t, err)
	broken := imaging.NewExposure(&imaging.MaskedImage{Image: imaging.NewImage(image.Rect(0, 0, 40, 40))}, p)
	fp := imaging.NewFootprintFromBox(image.Rect(10, 10, 30, 30),
		[]imaging.Peak{{X: 22, Y: 20, Value: 1}, {X: 18, Y: 20, Value: -1}})

	recs, err := newTask(t, 1).Run(context.Background(), []Candidate{{ID: 7, Footprint: fp}}, broken, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, FlagFailure, recs[0].Flags)
	require.Error(t, recs[0].Err)
	assert.Contains(t, recs[0].Err.Error(), "panic")
}

func TestTask_Run_RequiresDiff(t *testing.T) {
	t.Parallel()

	_, err := newTask(t, 1).Run(context.Background(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewTask_DefaultWorkers(t *testing.T) {
	t.Parallel()
	assert.Positive(t, newTask(t, 0).Workers())
	assert.Equal(t, 3, newTask(t, 3).Workers())
}

func TestFlag_String(t *testing.T) {
	t.Parallel()

	tests := map[Flag]string{
		0:                           "ok",
		FlagFailure:                 "failure",
		FlagFailure | FlagEdge:      "failure|edge",
		FlagFailure | FlagNotDipole: "failure|not_dipole",
	}
	for f, want := range tests {
		assert.Equal(t, want, f.String(), fmt.Sprintf("flag %d", f))
	}
	assert.True(t, (FlagFailure | FlagEdge).Has(FlagEdge))
	assert.False(t, FlagFailure.Has(FlagEdge))
}

func TestFlagsFor(t *testing.T) {
	t.Parallel()

	wrap := func(kind error) error { return &dipole.FitError{Kind: kind, Op: "test"} }
	assert.Equal(t, FlagFailure|FlagEdge, flagsFor(wrap(dipole.ErrEdge)))
	assert.Equal(t, FlagFailure|FlagNotDipole, flagsFor(wrap(dipole.ErrNotADipole)))
	assert.Equal(t, FlagFailure, flagsFor(wrap(dipole.ErrFitFailed)))
	assert.Equal(t, FlagFailure, flagsFor(errors.New("other")))
}
