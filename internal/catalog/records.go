package catalog

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/banshee-data/dipolefit/internal/measure"
)

// StoredRecord is one row of dipole_records. Columns stored as NULL read
// back as NaN.
type StoredRecord struct {
	RunID       string
	CandidateID int64
	Flags       measure.Flag
	Error       string

	PosX, PosY, NegX, NegY float64
	CentroidX, CentroidY   float64
	PosFlux, PosFluxErr    float64
	NegFlux, NegFluxErr    float64
	Flux                   float64
	Orientation            float64
	Separation             float64
	Chi2, RedChi2          float64
	SignalToNoise          float64
	UsedFallback           bool
	IsDipole               bool

	NaivePosFlux, NaivePosFluxErr float64
	NaiveNegFlux, NaiveNegFluxErr float64
	NaivePosX, NaivePosY          float64
	NaiveNegX, NaiveNegY          float64
}

// FromRecord flattens a measurement into its stored form.
func FromRecord(runID string, r *measure.Record) StoredRecord {
	nan := math.NaN()
	out := StoredRecord{
		RunID:       runID,
		CandidateID: r.CandidateID,
		Flags:       r.Flags,
		IsDipole:    r.IsDipole(),

		NaivePosFlux:    r.Naive.PosFlux,
		NaivePosFluxErr: r.Naive.PosFluxErr,
		NaiveNegFlux:    r.Naive.NegFlux,
		NaiveNegFluxErr: r.Naive.NegFluxErr,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if r.HasNaiveCentroids {
		out.NaivePosX, out.NaivePosY = r.NaivePos.X, r.NaivePos.Y
		out.NaiveNegX, out.NaiveNegY = r.NaiveNeg.X, r.NaiveNeg.Y
	} else {
		out.NaivePosX, out.NaivePosY, out.NaiveNegX, out.NaiveNegY = nan, nan, nan, nan
	}

	s := r.Summary
	if s == nil {
		for _, p := range []*float64{
			&out.PosX, &out.PosY, &out.NegX, &out.NegY, &out.CentroidX, &out.CentroidY,
			&out.PosFlux, &out.PosFluxErr, &out.NegFlux, &out.NegFluxErr, &out.Flux,
			&out.Orientation, &out.Separation, &out.Chi2, &out.RedChi2, &out.SignalToNoise,
		} {
			*p = nan
		}
		return out
	}
	out.PosX, out.PosY = s.PosCentroid.X, s.PosCentroid.Y
	out.NegX, out.NegY = s.NegCentroid.X, s.NegCentroid.Y
	out.CentroidX, out.CentroidY = s.Centroid.X, s.Centroid.Y
	out.PosFlux, out.PosFluxErr = s.PosFlux, s.PosFluxErr
	out.NegFlux, out.NegFluxErr = s.NegFlux, s.NegFluxErr
	out.Flux = s.Flux
	out.Orientation = s.Orientation
	out.Separation = s.Separation
	out.Chi2, out.RedChi2 = s.Chi2, s.RedChi2
	out.SignalToNoise = s.SignalToNoise
	out.UsedFallback = s.UsedFallback
	return out
}

// RecordStore reads and writes dipole_records.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore returns a RecordStore over db.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db.DB}
}

const insertRecordSQL = `
	INSERT INTO dipole_records (
		run_id, candidate_id, flag_failure, flag_edge, flag_not_dipole, error,
		pos_centroid_x, pos_centroid_y, neg_centroid_x, neg_centroid_y, centroid_x, centroid_y,
		pos_flux, pos_flux_err, neg_flux, neg_flux_err, flux,
		orientation_deg, separation_px, chi2, red_chi2, signal_to_noise,
		used_fallback, is_dipole,
		naive_pos_flux, naive_pos_flux_err, naive_neg_flux, naive_neg_flux_err,
		naive_pos_x, naive_pos_y, naive_neg_x, naive_neg_y
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertBatch stores every record of a run in one transaction.
func (s *RecordStore) InsertBatch(runID string, records []measure.Record) error {
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(insertRecordSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range records {
			r := FromRecord(runID, &records[i])
			if _, err := stmt.Exec(
				r.RunID, r.CandidateID,
				boolInt(r.Flags.Has(measure.FlagFailure)),
				boolInt(r.Flags.Has(measure.FlagEdge)),
				boolInt(r.Flags.Has(measure.FlagNotDipole)),
				nullStr(r.Error),
				nullFloat(r.PosX), nullFloat(r.PosY), nullFloat(r.NegX), nullFloat(r.NegY),
				nullFloat(r.CentroidX), nullFloat(r.CentroidY),
				nullFloat(r.PosFlux), nullFloat(r.PosFluxErr),
				nullFloat(r.NegFlux), nullFloat(r.NegFluxErr), nullFloat(r.Flux),
				nullFloat(r.Orientation), nullFloat(r.Separation),
				nullFloat(r.Chi2), nullFloat(r.RedChi2), nullFloat(r.SignalToNoise),
				boolInt(r.UsedFallback), boolInt(r.IsDipole),
				nullFloat(r.NaivePosFlux), nullFloat(r.NaivePosFluxErr),
				nullFloat(r.NaiveNegFlux), nullFloat(r.NaiveNegFluxErr),
				nullFloat(r.NaivePosX), nullFloat(r.NaivePosY),
				nullFloat(r.NaiveNegX), nullFloat(r.NaiveNegY),
			); err != nil {
				return fmt.Errorf("candidate %d: %w", r.CandidateID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("inserting records for run %s: %w", runID, err)
	}
	return nil
}

// ListByRun returns a run's records ordered by candidate id.
func (s *RecordStore) ListByRun(runID string) ([]StoredRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, candidate_id, flag_failure, flag_edge, flag_not_dipole, error,
		       pos_centroid_x, pos_centroid_y, neg_centroid_x, neg_centroid_y, centroid_x, centroid_y,
		       pos_flux, pos_flux_err, neg_flux, neg_flux_err, flux,
		       orientation_deg, separation_px, chi2, red_chi2, signal_to_noise,
		       used_fallback, is_dipole,
		       naive_pos_flux, naive_pos_flux_err, naive_neg_flux, naive_neg_flux_err,
		       naive_pos_x, naive_pos_y, naive_neg_x, naive_neg_y
		FROM dipole_records WHERE run_id = ? ORDER BY candidate_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying records for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			r                        StoredRecord
			failure, edge, notDipole bool
			errMsg                   sql.NullString
			f                        [24]sql.NullFloat64
		)
		if err := rows.Scan(
			&r.RunID, &r.CandidateID, &failure, &edge, &notDipole, &errMsg,
			&f[0], &f[1], &f[2], &f[3], &f[4], &f[5],
			&f[6], &f[7], &f[8], &f[9], &f[10],
			&f[11], &f[12], &f[13], &f[14], &f[15],
			&r.UsedFallback, &r.IsDipole,
			&f[16], &f[17], &f[18], &f[19],
			&f[20], &f[21], &f[22], &f[23],
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if failure {
			r.Flags |= measure.FlagFailure
		}
		if edge {
			r.Flags |= measure.FlagEdge
		}
		if notDipole {
			r.Flags |= measure.FlagNotDipole
		}
		r.Error = errMsg.String
		dst := []*float64{
			&r.PosX, &r.PosY, &r.NegX, &r.NegY, &r.CentroidX, &r.CentroidY,
			&r.PosFlux, &r.PosFluxErr, &r.NegFlux, &r.NegFluxErr, &r.Flux,
			&r.Orientation, &r.Separation, &r.Chi2, &r.RedChi2, &r.SignalToNoise,
			&r.NaivePosFlux, &r.NaivePosFluxErr, &r.NaiveNegFlux, &r.NaiveNegFluxErr,
			&r.NaivePosX, &r.NaivePosY, &r.NaiveNegX, &r.NaiveNegY,
		}
		for i, p := range dst {
			*p = floatOrNaN(f[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDipoles returns how many of a run's records classified as dipoles.
func (s *RecordStore) CountDipoles(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dipole_records WHERE run_id = ? AND is_dipole = 1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting dipoles for run %s: %w", runID, err)
	}
	return n, nil
}
