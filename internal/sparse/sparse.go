// Package sparse stores model vectors that are mostly zero as (index, value)
// pairs. It is used for per-source model images over large pixelizations,
// where a dense copy of every source would be wasteful.
package sparse

import (
	"fmt"
	"sort"
)

// Model is a compressed vector holding only its non-zero entries.
// Indices are strictly increasing.
type Model struct {
	n       int
	indices []int
	values  []float64
}

// FromDense compresses a dense vector. The result is lossless.
func FromDense(v []float64) *Model {
	m := &Model{n: len(v)}
	for i, x := range v {
		if x != 0 {
			m.indices = append(m.indices, i)
			m.values = append(m.values, x)
		}
	}
	return m
}

// ToDense expands the model into a vector of length n, zero everywhere the
// model has no entry. Entries at or beyond n are dropped.
func (m *Model) ToDense(n int) []float64 {
	out := make([]float64, n)
	for k, i := range m.indices {
		if i >= n {
			break
		}
		out[i] = m.values[k]
	}
	return out
}

// Len returns the length of the dense vector the model was built from.
func (m *Model) Len() int { return m.n }

// NNZ returns the number of stored non-zero entries.
func (m *Model) NNZ() int { return len(m.indices) }

// At returns the value at dense index i.
func (m *Model) At(i int) float64 {
	k := sort.SearchInts(m.indices, i)
	if k < len(m.indices) && m.indices[k] == i {
		return m.values[k]
	}
	return 0
}

// Sum returns the sum of the entries with dense index in [lo, hi).
func (m *Model) Sum(lo, hi int) float64 {
	start := sort.SearchInts(m.indices, lo)
	var s float64
	for k := start; k < len(m.indices) && m.indices[k] < hi; k++ {
		s += m.values[k]
	}
	return s
}

// Gather writes the values at the given sorted dense indices into dst.
func (m *Model) Gather(idx []int, dst []float64) error {
	if len(dst) != len(idx) {
		return fmt.Errorf("gather: destination length %d does not match %d indices", len(dst), len(idx))
	}
	// both index lists are sorted, so a single merge pass is enough
	k := 0
	for j, i := range idx {
		for k < len(m.indices) && m.indices[k] < i {
			k++
		}
		if k < len(m.indices) && m.indices[k] == i {
			dst[j] = m.values[k]
		} else {
			dst[j] = 0
		}
	}
	return nil
}

// AddScaledTo adds a*m to dst, which must be at least Len() long.
func (m *Model) AddScaledTo(dst []float64, a float64) {
	for k, i := range m.indices {
		dst[i] += a * m.values[k]
	}
}

// Indices returns the stored indices. The slice must not be modified.
func (m *Model) Indices() []int { return m.indices }

// Values returns the stored values. The slice must not be modified.
func (m *Model) Values() []float64 { return m.values }
