package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dipolefit/internal/timeutil"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ErrRunNotFound is returned by RunStore.Get for an unknown id.
var ErrRunNotFound = errors.New("fit run not found")

// Run is one invocation of the measurement over a field.
type Run struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Seed       int64
	Config     json.RawMessage

	NumCandidates int
	NumDipoles    int
	NumFailed     int
	NumFallback   int
	Error         string
}

// RunTotals are the counts written when a run finishes.
type RunTotals struct {
	Candidates int
	Dipoles    int
	Failed     int
	Fallback   int
}

// RunStore reads and writes fit_runs.
type RunStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunStore returns a RunStore over db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB, clock: timeutil.RealClock{}}
}

// WithClock replaces the clock used for run timestamps.
func (s *RunStore) WithClock(c timeutil.Clock) *RunStore {
	s.clock = c
	return s
}

// Insert stores r with status running. An empty RunID gets a fresh UUID; the
// id used is returned.
func (s *RunStore) Insert(r Run) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.clock.Now()
	}
	cfg := r.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO fit_runs (run_id, status, started_at, seed, config_json)
			VALUES (?, ?, ?, ?, ?)`,
			r.RunID,
			RunStatusRunning,
			r.StartedAt.UTC().Format(time.RFC3339Nano),
			r.Seed,
			string(cfg),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("inserting run %s: %w", r.RunID, err)
	}
	return r.RunID, nil
}

// Finish marks a run completed, or failed when runErr is non-nil, and
// records its totals.
func (s *RunStore) Finish(runID string, totals RunTotals, runErr error) error {
	status, msg := RunStatusCompleted, ""
	if runErr != nil {
		status, msg = RunStatusFailed, runErr.Error()
	}
	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE fit_runs
			SET status = ?, finished_at = ?, num_candidates = ?, num_dipoles = ?,
			    num_failed = ?, num_fallback = ?, error = ?
			WHERE run_id = ?`,
			status,
			s.clock.Now().UTC().Format(time.RFC3339Nano),
			totals.Candidates,
			totals.Dipoles,
			totals.Failed,
			totals.Fallback,
			nullStr(msg),
			runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Get loads one run.
func (s *RunStore) Get(runID string) (*Run, error) {
	var (
		r                Run
		started          string
		finished, errMsg sql.NullString
		cfg              string
	)
	err := s.db.QueryRow(`
		SELECT run_id, status, started_at, finished_at, seed, config_json,
		       num_candidates, num_dipoles, num_failed, num_fallback, error
		FROM fit_runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Status, &started, &finished, &r.Seed, &cfg,
		&r.NumCandidates, &r.NumDipoles, &r.NumFailed, &r.NumFallback, &errMsg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}

	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parsing started_at for run %s: %w", runID, err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at for run %s: %w", runID, err)
		}
		r.FinishedAt = &t
	}
	r.Config = json.RawMessage(cfg)
	r.Error = errMsg.String
	return &r, nil
}
