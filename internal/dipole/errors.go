package dipole

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is on any error returned by Fitter.
var (
	// ErrNotADipole means the footprint has fewer than two peaks; no fit is
	// attempted.
	ErrNotADipole = errors.New("not a dipole")
	// ErrEdge means the footprint or a lobe render does not fit inside the
	// addressable pixels.
	ErrEdge = errors.New("dipole too close to image edge")
	// ErrFitFailed covers every other failure inside the fit.
	ErrFitFailed = errors.New("dipole fit failed")
	// ErrDegenerateBackground is returned by FitBackground when no usable
	// background pixels remain or the solve is singular.
	ErrDegenerateBackground = errors.New("degenerate background fit")
)

// FitError carries a failure kind, the operation that failed and the cause.
type FitError struct {
	Kind  error
	Op    string
	Cause error
}

func (e *FitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FitError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newFitError(kind error, op string, cause error) *FitError {
	return &FitError{Kind: kind, Op: op, Cause: cause}
}

// asFitFailure wraps err as ErrFitFailed unless it already carries a kind.
func asFitFailure(op string, err error) error {
	var fe *FitError
	if errors.As(err, &fe) {
		return err
	}
	return newFitError(ErrFitFailed, op, err)
}
