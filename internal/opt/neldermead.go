package opt

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// NelderMeadAdapter runs the gonum Nelder-Mead simplex method inside the
// bounds, starting from the centre of the box.
type NelderMeadAdapter struct {
	maxEvals int
}

// NewNelderMead creates a Nelder-Mead optimizer limited to maxEvals
// function evaluations, or gonum's default when maxEvals is 0.
func NewNelderMead(maxEvals int) Optimizer {
	return &NelderMeadAdapter{maxEvals: maxEvals}
}

// Run implements Optimizer.
func (n *NelderMeadAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	box := newUnitBox(lower, upper, dim)
	x := make([]float64, dim)
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			f := eval(box.toParams(u, x))
			if math.IsNaN(f) {
				return math.Inf(1)
			}
			return f
		},
	}

	start := make([]float64, dim)
	for i := range start {
		start[i] = 0.5
	}
	settings := &optimize.Settings{FuncEvaluations: n.maxEvals}
	result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{SimplexSize: 0.25})
	if err != nil {
		slog.Debug("Nelder-Mead stopped", "error", err)
	}
	if result == nil {
		best := box.toParams(start, nil)
		return best, eval(best)
	}
	best := box.toParams(result.X, nil)
	return best, eval(best)
}
