package opt

import (
	"log/slog"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter. popSize must be at
// least 20.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
// The library takes one scalar range for every dimension, so the search
// runs on the unit cube and is rescaled to the per-parameter bounds.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	box := newUnitBox(lower, upper, dim)
	x := make([]float64, dim)

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		return eval(box.toParams(u, x))
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1

	// Set random seed for reproducibility
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		// Fall back to the centre of the box
		slog.Warn("Mayfly optimization failed", "error", err)
		u := make([]float64, dim)
		for i := range u {
			u[i] = 0.5
		}
		best := box.toParams(u, nil)
		return best, eval(best)
	}

	best := box.toParams(result.GlobalBest.Position, nil)
	return best, eval(best)
}
