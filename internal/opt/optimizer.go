// Package opt provides derivative-free optimizers used to refine the
// Newton fits of a scan with a general search over the normalizations.
package opt

import "fmt"

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: per-parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}

// New returns the optimizer named by kind: "mayfly" or "neldermead".
func New(kind string, maxIters, popSize int, seed int64) (Optimizer, error) {
	switch kind {
	case "mayfly":
		return NewMayfly(maxIters, popSize, seed), nil
	case "neldermead", "nelder-mead":
		return NewNelderMead(maxIters), nil
	}
	return nil, fmt.Errorf("unknown optimizer: %q", kind)
}

// unitBox maps the unit cube onto [lower, upper] so optimizers with scalar
// bounds can search boxes of different widths. Coordinates outside [0, 1]
// are clamped.
type unitBox struct {
	lower, width []float64
}

func newUnitBox(lower, upper []float64, dim int) unitBox {
	b := unitBox{lower: make([]float64, dim), width: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		b.lower[i] = lower[i]
		b.width[i] = upper[i] - lower[i]
	}
	return b
}

func (b unitBox) toParams(u, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(u))
	}
	for i, v := range u {
		v = min(max(v, 0), 1)
		dst[i] = b.lower[i] + v*b.width[i]
	}
	return dst
}
