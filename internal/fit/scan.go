package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ScanNormalization evaluates the log-likelihood at n test source
// normalizations between max(0, best - sigmaRange·negErr) and
// best + sigmaRange·posErr, holding every other free parameter at its
// current value. The parameters are unchanged on return. The objective
// includes the prior if the last fit used one.
func (c *Cache) ScanNormalization(n int, sigmaRange, posErr, negErr float64) ([]float64, []float64, error) {
	if !c.includeTest {
		return nil, nil, ErrNoTestSource
	}
	if n < 1 {
		return nil, nil, fmt.Errorf("invalid number of scan points %d", n)
	}
	if !(sigmaRange >= 0) || math.IsNaN(posErr) || math.IsNaN(negErr) || posErr < 0 || negErr < 0 {
		return nil, nil, fmt.Errorf("invalid scan range: sigma %g, errors +%g -%g", sigmaRange, posErr, negErr)
	}

	t := len(c.params) - 1
	best := c.params[t]
	lo := math.Max(0, best-sigmaRange*negErr)
	hi := best + sigmaRange*posErr

	norms := make([]float64, n)
	if n == 1 || hi == lo {
		for i := range norms {
			norms[i] = best
		}
	} else {
		floats.Span(norms, lo, hi)
	}

	var prior *Prior
	if c.usedPrior {
		prior = c.activePrior()
	}
	p := cloneFloats(c.params)
	logLikes := make([]float64, n)
	for i, x := range norms {
		p[t] = x
		logLikes[i] = c.objective(p, prior)
	}
	return norms, logLikes, nil
}

// EstimateUncertainty returns the distances from the best-fit test source
// normalization at which the log-likelihood has dropped by deltaLogLike,
// from the local quadratic ½aδ² - gδ = Δ with curvature a = 1/σ² and slope
// g. At the zero boundary the slope dominates and the relation becomes
// linear. The negative error never goes below zero normalization.
func (c *Cache) EstimateUncertainty(deltaLogLike float64) (float64, float64, error) {
	if !c.includeTest {
		return math.NaN(), math.NaN(), ErrNoTestSource
	}
	if c.state != StateConverged && c.state != StateFailed {
		return math.NaN(), math.NaN(), ErrUninitialized
	}
	if !(deltaLogLike > 0) {
		return math.NaN(), math.NaN(), fmt.Errorf("invalid delta log-likelihood %g", deltaLogLike)
	}
	t := len(c.params) - 1
	best := c.params[t]

	var a float64
	switch {
	case c.flat[t]:
		a = 0
	case c.degenerate || c.cov == nil:
		return math.NaN(), math.NaN(), &SingularCovarianceError{What: "fit Hessian", Dim: len(c.params)}
	default:
		v := c.cov.At(t, t)
		if !(v > 0) {
			return math.NaN(), math.NaN(), &SingularCovarianceError{What: "fit Hessian", Dim: len(c.params)}
		}
		a = 1 / v
	}
	g := c.grad[t]

	s := math.Sqrt(g*g + 2*a*deltaLogLike)
	if s == 0 {
		// the likelihood does not depend on the test source here
		return math.NaN(), math.NaN(), &SingularCovarianceError{What: "fit Hessian", Dim: len(c.params)}
	}
	posErr := math.Inf(1)
	if s-g > 0 {
		posErr = 2 * deltaLogLike / (s - g)
	}
	negErr := best
	if s+g > 0 {
		negErr = math.Min(best, 2*deltaLogLike/(s+g))
	}
	return posErr, negErr, nil
}

// BuildPriorFromCurrent builds a prior centred on the current parameters
// with the covariance of the last fit scaled by covScale. mask selects the
// constrained parameters; nil constrains all but the test source. The prior
// is stored for fits with the current parameter layout.
func (c *Cache) BuildPriorFromCurrent(mask []bool, covScale float64) (*Prior, error) {
	if c.cov == nil {
		return nil, ErrUninitialized
	}
	if !(covScale > 0) {
		return nil, fmt.Errorf("invalid covariance scale %g", covScale)
	}
	if mask == nil {
		mask = make([]bool, len(c.params))
		for i := range mask {
			mask[i] = i != c.TestIndex()
		}
	}
	cov := mat.NewSymDense(c.cov.SymmetricDim(), nil)
	cov.ScaleSym(covScale, c.cov)
	return c.BuildPriorFromExternal(c.params, cov, mask)
}

// BuildPriorFromExternal builds and stores a prior for the current
// parameter layout from externally supplied central values and covariance.
func (c *Cache) BuildPriorFromExternal(central []float64, cov mat.Symmetric, mask []bool) (*Prior, error) {
	if len(central) != len(c.params) {
		return nil, &IndexError{What: "prior central values", Index: len(central), Len: len(c.params), Length: true}
	}
	pr, err := NewPrior(central, cov, mask, c.includeTest)
	if err != nil {
		return nil, err
	}
	if c.includeTest {
		c.priorTest = pr
	} else {
		c.priorBkg = pr
	}
	return pr, nil
}

// ClearPriors drops every stored prior.
func (c *Cache) ClearPriors() {
	c.priorBkg = nil
	c.priorTest = nil
}

// Prior returns the prior matching the current parameter layout, or nil.
func (c *Cache) Prior() *Prior { return c.activePrior() }
