package catalog

import (
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dipolefit/internal/dipole"
	"github.com/banshee-data/dipolefit/internal/measure"
	"github.com/banshee-data/dipolefit/internal/monitoring"
	"github.com/banshee-data/dipolefit/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenAndMigrate(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(), "re-running migrations is a no-op")

	for _, table := range []string{"fit_runs", "dipole_records"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	require.NoError(t, db.MigrateDown())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestOpen_FreshDatabaseHasNoVersion(t *testing.T) {
	t.Parallel()

	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestRunStore(t *testing.T) {
	t.Parallel()

	runs := NewRunStore(newTestDB(t))
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	cfg := json.RawMessage(`{"rel_weight":0.5}`)

	id, err := runs.Insert(Run{StartedAt: started, Seed: 7, Config: cfg})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	r, err := runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, r.Status)
	assert.True(t, started.Equal(r.StartedAt))
	assert.Nil(t, r.FinishedAt)
	assert.Equal(t, int64(7), r.Seed)
	assert.JSONEq(t, string(cfg), string(r.Config))

	require.NoError(t, runs.Finish(id, RunTotals{Candidates: 10, Dipoles: 6, Failed: 3, Fallback: 1}, nil))
	r, err = runs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, r.Status)
	require.NotNil(t, r.FinishedAt)
	assert.Equal(t, 10, r.NumCandidates)
	assert.Equal(t, 6, r.NumDipoles)
	assert.Equal(t, 3, r.NumFailed)
	assert.Equal(t, 1, r.NumFallback)
	assert.Empty(t, r.Error)

	failedID, err := runs.Insert(Run{RunID: "run-b"})
	require.NoError(t, err)
	assert.Equal(t, "run-b", failedID)
	require.NoError(t, runs.Finish(failedID, RunTotals{}, errors.New("interrupted")))
	r, err = runs.Get(failedID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, r.Status)
	assert.Equal(t, "interrupted", r.Error)
	assert.JSONEq(t, "{}", string(r.Config))

	_, err = runs.Get("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, runs.Finish("missing", RunTotals{}, nil), ErrRunNotFound)
}

func TestRunStore_ClockStampsTimes(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	runs := NewRunStore(newTestDB(t)).WithClock(clock)

	id, err := runs.Insert(Run{})
	require.NoError(t, err)
	clock.Advance(42 * time.Second)
	require.NoError(t, runs.Finish(id, RunTotals{}, nil))

	r, err := runs.Get(id)
	require.NoError(t, err)
	assert.True(t, start.Equal(r.StartedAt))
	require.NotNil(t, r.FinishedAt)
	assert.Equal(t, 42*time.Second, r.FinishedAt.Sub(r.StartedAt))
}

func sampleRecords() []measure.Record {
	good := measure.Record{
		CandidateID: 2,
		Summary: &dipole.FitSummary{
			PosCentroid:   dipole.Point{X: 51.7, Y: 51.2},
			NegCentroid:   dipole.Point{X: 48.9, Y: 49.6},
			Centroid:      dipole.Point{X: 50.3, Y: 50.4},
			PosFlux:       30100,
			NegFlux:       -29800,
			Flux:          29950,
			PosFluxErr:    40,
			NegFluxErr:    41,
			Orientation:   29.7,
			Separation:    3.22,
			Chi2:          812,
			RedChi2:       0.7,
			DoF:           1160,
			SignalToNoise: 1500,
		},
		Classification: dipole.ClassificationResult{IsDipole: true},
	}
	good.Naive = dipole.NaiveFluxResult{PosFlux: 29000, PosFluxErr: 20, NegFlux: -28800, NegFluxErr: 21}
	good.NaivePos = dipole.Point{X: 51.8, Y: 51.1}
	good.NaiveNeg = dipole.Point{X: 48.8, Y: 49.7}
	good.HasNaiveCentroids = true

	edge := measure.Record{
		CandidateID: 1,
		Flags:       measure.FlagFailure | measure.FlagEdge,
		Err:         errors.New("dipole too close to image edge"),
		Naive:       dipole.NaiveFluxResult{PosFlux: 100},
	}
	return []measure.Record{good, edge}
}

func TestRecordStore_RoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	runID, err := NewRunStore(db).Insert(Run{})
	require.NoError(t, err)

	store := NewRecordStore(db)
	require.NoError(t, store.InsertBatch(runID, sampleRecords()))

	got, err := store.ListByRun(runID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	failed, good := got[0], got[1]
	assert.Equal(t, int64(1), failed.CandidateID)
	assert.Equal(t, measure.FlagFailure|measure.FlagEdge, failed.Flags)
	assert.Equal(t, "dipole too close to image edge", failed.Error)
	assert.True(t, math.IsNaN(failed.PosX))
	assert.True(t, math.IsNaN(failed.SignalToNoise))
	assert.True(t, math.IsNaN(failed.NaivePosX))
	assert.Equal(t, 100.0, failed.NaivePosFlux)
	assert.False(t, failed.IsDipole)

	assert.Equal(t, measure.Flag(0), good.Flags)
	assert.True(t, good.IsDipole)
	assert.Equal(t, 51.7, good.PosX)
	assert.Equal(t, -29800.0, good.NegFlux)
	assert.Equal(t, 29.7, good.Orientation)
	assert.Equal(t, 1500.0, good.SignalToNoise)
	assert.Equal(t, 48.8, good.NaiveNegX)
	assert.Empty(t, good.Error)

	n, err := store.CountDipoles(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Duplicate candidates roll back the whole batch.
	assert.Error(t, store.InsertBatch(runID, sampleRecords()))
	got, err = store.ListByRun(runID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordStore_UnknownRunRejected(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(newTestDB(t))
	assert.Error(t, store.InsertBatch("no-such-run", sampleRecords()))
}

func TestFromRecord_NonFiniteBecomesNaN(t *testing.T) {
	t.Parallel()

	r := measure.Record{CandidateID: 3, Summary: &dipole.FitSummary{SignalToNoise: math.Inf(1), RedChi2: math.NaN()}}
	s := FromRecord("r", &r)
	assert.False(t, nullFloat(s.SignalToNoise).Valid)
	assert.False(t, nullFloat(s.RedChi2).Valid)
	assert.True(t, nullFloat(s.PosX).Valid)
}

func TestIsSQLiteBusy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSQLiteBusy(tt.err), tt.name)
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success after retry", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		t.Parallel()
		calls := 0
		other := errors.New("some other error")
		err := retryOnBusy(func() error {
			calls++
			return other
		})
		assert.Same(t, other, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return busy
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, busy)
		assert.Equal(t, busyRetries, calls)
	})
}
