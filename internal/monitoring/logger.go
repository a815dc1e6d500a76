// Package monitoring holds the process-wide diagnostic loggers.
//
// Logf is a replaceable printf-style logger used for run lifecycle messages.
// Three level streams sit beside it:
//
//   - Ops: actionable warnings and failures (fallback fits, skipped records)
//   - Diag: per-record tuning context (background solves, starting guesses)
//   - Trace: optimizer iteration telemetry
//
// Each stream is disabled until SetLogWriters gives it a writer.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three streams at once. A nil writer disables
// that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger("[dipolefit] ", w.Ops)
	diagLogger = newLogger("[dipolefit] ", w.Diag)
	traceLogger = newLogger("[dipolefit] ", w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) { emit(&opsLogger, format, args...) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) { emit(&diagLogger, format, args...) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) { emit(&traceLogger, format, args...) }

// TraceEnabled reports whether the trace stream has a writer, so callers can
// skip building expensive trace arguments.
func TraceEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return traceLogger != nil
}

func emit(target **log.Logger, format string, args ...interface{}) {
	mu.RLock()
	l := *target
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
