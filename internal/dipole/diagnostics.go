package dipole

import "github.com/banshee-data/dipolefit/internal/imaging"

// Phase identifies one attempt of the two-phase fit.
type Phase int

const (
	// PhaseConstrained fits the diffim together with the pre-subtraction
	// planes and any background gradient.
	PhaseConstrained Phase = iota
	// PhaseUnconstrained fits the diffim alone.
	PhaseUnconstrained
)

func (p Phase) String() string {
	switch p {
	case PhaseConstrained:
		return "constrained"
	case PhaseUnconstrained:
		return "unconstrained"
	default:
		return "unknown"
	}
}

func (p Phase) opName() string {
	if p == PhaseUnconstrained {
		return "AttemptUnconstrained"
	}
	return "AttemptConstrained"
}

// AttemptDiagnostics is handed to a DiagnosticsSink after every completed
// attempt. Data, Model and Weights are parallel plane stacks over the
// footprint bounding box ([diff] or [diff, pos, neg]).
type AttemptDiagnostics struct {
	Phase      Phase
	Footprint  *imaging.Footprint
	Data       []*imaging.Image
	Model      []*imaging.Image
	Weights    []*imaging.Image
	Params     FitParameters
	Summary    *FitSummary
	Unreliable bool
}

// DiagnosticsSink receives per-attempt fit internals. Implementations must
// be safe for concurrent use when the Fitter is shared across goroutines.
type DiagnosticsSink interface {
	FitAttempt(d *AttemptDiagnostics)
}

// DiagnosticsFunc adapts a function to DiagnosticsSink.
type DiagnosticsFunc func(d *AttemptDiagnostics)

// FitAttempt calls fn(d).
func (fn DiagnosticsFunc) FitAttempt(d *AttemptDiagnostics) { fn(d) }
