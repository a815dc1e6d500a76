// Package catalog stores fit runs and their per-candidate dipole
// measurements in SQLite.
package catalog

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is a catalog database handle.
type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the catalog at path and applies the
// connection pragmas. Call MigrateUp before use.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	// Pragmas such as foreign_keys are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return &DB{db}, nil
}

// OpenAndMigrate opens the catalog and brings the schema up to date.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// isSQLiteBusy reports whether err is a lock contention error worth
// retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	busyRetries   = 5
	busyBaseDelay = 10 * time.Millisecond
)

// retryOnBusy runs fn until it succeeds, fails with a non-busy error, or
// busyRetries attempts are used. Delays double after each busy attempt.
func retryOnBusy(fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < busyRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", busyRetries, err)
}

// nullFloat maps non-finite values to NULL.
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// floatOrNaN is the inverse of nullFloat.
func floatOrNaN(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
