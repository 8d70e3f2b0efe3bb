package opt

import (
	"log/slog"
	"math"
)

// ConvergenceConfig decides when repeated optimizer runs stop paying off.
type ConvergenceConfig struct {
	// MaxRuns caps the number of runs. Values below 2 mean a single run.
	MaxRuns int

	// Patience is the number of consecutive runs without significant
	// improvement before stopping.
	Patience int

	// Threshold is the minimum improvement relative to max(1, |best|)
	// that counts as progress. Costs are negative log-likelihoods and can
	// have either sign, so the scale is bounded below by one.
	Threshold float64
}

// DefaultConvergenceConfig returns the restart defaults.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		MaxRuns:   1,
		Patience:  2,
		Threshold: 1e-6,
	}
}

// ConvergenceTracker follows the best cost over runs and reports when it
// has stalled.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	costHistory     []float64
	bestCost        float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker creates a tracker with the given config.
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		bestCost:        math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the cost of one run and returns true once the tracker
// has seen Patience runs in a row without significant improvement.
func (c *ConvergenceTracker) Update(cost float64) bool {
	c.costHistory = append(c.costHistory, cost)
	if cost < c.bestCost {
		c.bestCost = cost
	}
	if len(c.costHistory) == 1 || math.IsInf(c.lastSignificant, 1) {
		c.lastSignificant = cost
		return false
	}

	improvement := (c.lastSignificant - cost) / math.Max(1, math.Abs(c.lastSignificant))
	if improvement >= c.config.Threshold {
		c.lastSignificant = cost
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant improvement",
		"cost", cost,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)
	return c.staleCount >= c.config.Patience
}

// BestCost returns the best cost seen so far
func (c *ConvergenceTracker) BestCost() float64 {
	return c.bestCost
}

// History returns the cost of every run
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.costHistory...)
}

// StaleCount returns the current number of runs without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Restarts repeats a stochastic optimizer with consecutive seeds and keeps
// the best result, stopping early when the tracker reports a stall.
type Restarts struct {
	newOptimizer func(seed int64) Optimizer
	seed         int64
	config       ConvergenceConfig
}

// NewRestarts wraps the optimizers built by newOptimizer.
func NewRestarts(newOptimizer func(seed int64) Optimizer, seed int64, config ConvergenceConfig) Optimizer {
	return &Restarts{newOptimizer: newOptimizer, seed: seed, config: config}
}

// Run implements Optimizer.
func (r *Restarts) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	runs := max(r.config.MaxRuns, 1)
	tracker := NewConvergenceTracker(r.config)

	var best []float64
	bestCost := math.Inf(1)
	for k := 0; k < runs; k++ {
		x, cost := r.newOptimizer(r.seed+int64(k)).Run(eval, lower, upper, dim)
		if best == nil || cost < bestCost {
			best, bestCost = x, cost
		}
		if tracker.Update(cost) {
			slog.Debug("Optimizer restarts converged", "runs", k+1, "best_cost", bestCost)
			break
		}
	}
	return best, bestCost
}
