package fit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPriorTerms(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{4, 0, 0, 9})
	pr, err := NewPrior([]float64{1, 2}, cov, []bool{true, true}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, pr.Dim())
	assert.False(t, pr.IncludesTest())
	assert.InDelta(t, 0.5, pr.NegLogLike([]float64{3, 2}), 1e-12)
	assert.InDelta(t, 0.5+0.5, pr.NegLogLike([]float64{3, 5}), 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0}, pr.Gradient([]float64{3, 2}), 1e-12)

	h := pr.Hessian()
	assert.InDelta(t, 0.25, h.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0/9, h.At(1, 1), 1e-12)
	assert.InDelta(t, 0.0, h.At(0, 1), 1e-12)
}

func TestPriorMaskedEntriesAreFlat(t *testing.T) {
	// correlated covariance, second parameter unconstrained
	cov := mat.NewSymDense(2, []float64{4, 1, 1, 9})
	pr, err := NewPrior([]float64{1, 2}, cov, []bool{true, false}, true)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, pr.NegLogLike([]float64{1, 100}), 1e-12)
	g := pr.Gradient([]float64{3, 100})
	assert.InDelta(t, 0.5, g[0], 1e-12)
	assert.Equal(t, 0.0, g[1])

	h := pr.Hessian()
	assert.InDelta(t, 0.25, h.At(0, 0), 1e-12)
	assert.Equal(t, 0.0, h.At(1, 1))
	assert.Equal(t, 0.0, h.At(0, 1))
}

func TestPriorFullBlockInverse(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	pr, err := NewPrior([]float64{0, 0}, cov, []bool{true, true}, false)
	require.NoError(t, err)

	// Σ⁻¹ = 1/3 [[2, -1], [-1, 2]]
	h := pr.Hessian()
	assert.InDelta(t, 2.0/3, h.At(0, 0), 1e-12)
	assert.InDelta(t, -1.0/3, h.At(0, 1), 1e-12)
	assert.InDelta(t, 2.0/3, pr.NegLogLike([]float64{1, 1})*2, 1e-12)
}

func TestPriorSingularCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	_, err := NewPrior([]float64{0, 0}, cov, []bool{true, true}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSingularCovariance))

	// the singular block is not selected
	cov = mat.NewSymDense(2, []float64{1, 0, 0, 0})
	_, err = NewPrior([]float64{0, 0}, cov, []bool{true, false}, false)
	assert.NoError(t, err)
}

func TestPriorDimensionMismatch(t *testing.T) {
	cov := mat.NewSymDense(2, nil)
	_, err := NewPrior([]float64{0, 0, 0}, cov, []bool{true, true, true}, false)
	assert.True(t, errors.Is(err, ErrIndex))
	_, err = NewPrior([]float64{0, 0}, cov, []bool{true}, false)
	assert.True(t, errors.Is(err, ErrIndex))
}
