package fit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Prior is a Gaussian constraint on a subset of the free parameters of a fit.
// Parameters outside the mask are unconstrained.
type Prior struct {
	central      []float64
	mask         []bool
	idx          []int
	inv          *mat.SymDense // Σ⁻¹ of the masked block, zero-padded to Dim
	includesTest bool
}

// NewPrior builds a prior from central values and a covariance matrix over
// the full parameter vector. Only the sub-block selected by mask has to be
// invertible. includesTest records whether the parameter vector the prior
// was built for ends with the test source normalization.
func NewPrior(central []float64, cov mat.Symmetric, mask []bool, includesTest bool) (*Prior, error) {
	n := len(central)
	if cov.SymmetricDim() != n {
		return nil, &IndexError{What: "prior covariance", Index: cov.SymmetricDim(), Len: n, Length: true}
	}
	if len(mask) != n {
		return nil, &IndexError{What: "prior mask", Index: len(mask), Len: n, Length: true}
	}

	var idx []int
	for i, m := range mask {
		if m {
			idx = append(idx, i)
		}
	}

	inv := mat.NewSymDense(n, nil)
	if len(idx) > 0 {
		sub := mat.NewSymDense(len(idx), nil)
		for a, i := range idx {
			for b := a; b < len(idx); b++ {
				sub.SetSym(a, b, cov.At(i, idx[b]))
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(sub); !ok {
			return nil, &SingularCovarianceError{What: "prior covariance", Dim: len(idx)}
		}
		var subInv mat.SymDense
		if err := chol.InverseTo(&subInv); err != nil {
			return nil, fmt.Errorf("failed to invert prior covariance: %v: %w", err, &SingularCovarianceError{What: "prior covariance", Dim: len(idx)})
		}
		for a, i := range idx {
			for b := a; b < len(idx); b++ {
				inv.SetSym(i, idx[b], subInv.At(a, b))
			}
		}
	}

	return &Prior{
		central:      append([]float64(nil), central...),
		mask:         append([]bool(nil), mask...),
		idx:          idx,
		inv:          inv,
		includesTest: includesTest,
	}, nil
}

// Dim returns the length of the parameter vector the prior applies to.
func (p *Prior) Dim() int { return len(p.central) }

// IncludesTest reports whether the last parameter is the test source.
func (p *Prior) IncludesTest() bool { return p.includesTest }

// Central returns a copy of the central values.
func (p *Prior) Central() []float64 { return append([]float64(nil), p.central...) }

// Mask returns a copy of the constrained-parameter mask.
func (p *Prior) Mask() []bool { return append([]bool(nil), p.mask...) }

// NegLogLike returns ½ rᵀ Σ⁻¹ r with r = params - central on masked entries.
func (p *Prior) NegLogLike(params []float64) float64 {
	g := p.Gradient(params)
	var s float64
	for _, i := range p.idx {
		s += (params[i] - p.central[i]) * g[i]
	}
	return 0.5 * s
}

// Gradient returns Σ⁻¹ r on masked entries and zero elsewhere.
func (p *Prior) Gradient(params []float64) []float64 {
	out := make([]float64, len(p.central))
	for _, i := range p.idx {
		var s float64
		for _, j := range p.idx {
			s += p.inv.At(i, j) * (params[j] - p.central[j])
		}
		out[i] = s
	}
	return out
}

// Hessian returns the constant Σ⁻¹ embedded in the full parameter space.
func (p *Prior) Hessian() *mat.SymDense {
	h := mat.NewSymDense(p.Dim(), nil)
	h.CopySym(p.inv)
	return h
}
