package fit

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match their sentinel with errors.Is.
var (
	ErrIndex              = &IndexError{}
	ErrSingularCovariance = &SingularCovarianceError{}
	ErrConvergence        = &ConvergenceError{}

	ErrNoFreeParameters = errors.New("no free parameters")
	ErrNoTestSource     = errors.New("test source is not part of the model")
	ErrUninitialized    = errors.New("no fit result available")
	ErrNoPrior          = errors.New("no prior matches the current parameters")
)

// IndexError reports an energy bin or parameter index out of range, or,
// with Length set, a vector whose length does not match the cache.
type IndexError struct {
	What   string
	Index  int
	Len    int
	Length bool
}

func (e *IndexError) Error() string {
	switch {
	case e.What == "":
		return "index out of range"
	case e.Length:
		return fmt.Sprintf("%s has length %d, expected %d", e.What, e.Index, e.Len)
	}
	return fmt.Sprintf("%s %d out of range [0, %d)", e.What, e.Index, e.Len)
}

func (e *IndexError) Is(target error) bool {
	_, ok := target.(*IndexError)
	return ok
}

// SingularCovarianceError reports a matrix that could not be inverted.
type SingularCovarianceError struct {
	What string
	Dim  int
}

func (e *SingularCovarianceError) Error() string {
	if e.What == "" {
		return "singular covariance"
	}
	return fmt.Sprintf("singular %s (dim %d)", e.What, e.Dim)
}

func (e *SingularCovarianceError) Is(target error) bool {
	_, ok := target.(*SingularCovarianceError)
	return ok
}

// ConvergenceError reports a Newton fit that ran out of iterations. The
// last iterate is still available from the cache.
type ConvergenceError struct {
	Iterations int
	EDM        float64
	Threshold  float64
}

func (e *ConvergenceError) Error() string {
	if e.Iterations == 0 {
		return "fit did not converge"
	}
	return fmt.Sprintf("fit did not converge after %d iterations (edm %g, threshold %g)", e.Iterations, e.EDM, e.Threshold)
}

func (e *ConvergenceError) Is(target error) bool {
	_, ok := target.(*ConvergenceError)
	return ok
}
