// Package fit implements the per-ROI fit engine of a test-source scan:
// a cache of counts and source model vectors with Newton's-method fits of
// source normalizations, Gaussian priors on those normalizations, and
// approximate re-positioning of the test source image.
package fit

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/skyproj"
	"github.com/cwbudde/tscube/internal/sparse"
)

// AllEnergyBins selects the full energy range in SetEnergyBin.
const AllEnergyBins = -1

// State is the lifecycle state of a Cache.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFitting
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFitting:
		return "fitting"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Cache.
type Options struct {
	// Sparse keeps the source model images compressed. Useful when most
	// sources only cover a small part of a large map.
	Sparse bool
}

// Cache holds the data of one region of interest and the current fit
// configuration. The baseline it is built from is borrowed read-only and
// must outlive the cache. A Cache is not safe for concurrent use; use Clone
// to give each goroutine its own.
type Cache struct {
	base     *likelihood.Baseline
	testName string
	npix     int
	ne       int

	// Reduced representation: likelihood terms with data only need the
	// bins with non-zero counts, the rest only needs per-energy totals.
	// Shared between clones.
	nzIdx   []int
	nzData  []float64
	nzStart []int       // nzIdx offset of each energy bin, len ne+1
	compNZ  [][]float64 // component values at nzIdx
	compTot [][]float64 // component totals per energy bin
	masters []*sparse.Model

	refLogLike float64

	// Test source, owned by the cache.
	testImage []float64
	testNZ    []float64
	testTot   []float64

	state       State
	ebin        int
	freeMask    []bool
	scales      []float64
	free        []int
	includeTest bool
	fixedNZ     []float64
	fixedTot    []float64
	params      []float64

	priorBkg  *Prior
	priorTest *Prior

	// Results of the last fit.
	logLike    float64
	edm        float64
	iters      int
	cov        *mat.SymDense
	grad       []float64
	flat       []bool
	degenerate bool
	usedPrior  bool
}

// NewCache extracts the reduced likelihood data from a baseline and
// configures the fit with the baseline's free sources and no test source.
func NewCache(b *likelihood.Baseline, testSourceName string, opts Options) (*Cache, error) {
	if b == nil {
		return nil, fmt.Errorf("nil baseline")
	}
	for _, c := range b.Components {
		if c.Name == testSourceName {
			return nil, fmt.Errorf("test source %q is already part of the region model", testSourceName)
		}
	}

	c := &Cache{
		base:     b,
		testName: testSourceName,
		npix:     b.NumPixels,
		ne:       b.NumEnergies,
		ebin:     AllEnergyBins,
	}
	n := c.npix * c.ne
	if len(b.Counts) != n {
		return nil, &IndexError{What: "counts", Index: len(b.Counts), Len: n, Length: true}
	}

	c.nzStart = make([]int, c.ne+1)
	for k := 0; k < c.ne; k++ {
		c.nzStart[k] = len(c.nzIdx)
		for i := k * c.npix; i < (k+1)*c.npix; i++ {
			if d := b.Counts[i]; d > 0 {
				c.nzIdx = append(c.nzIdx, i)
				c.nzData = append(c.nzData, d)
			}
		}
	}
	c.nzStart[c.ne] = len(c.nzIdx)

	c.compNZ = make([][]float64, len(b.Components))
	c.compTot = make([][]float64, len(b.Components))
	for i, comp := range b.Components {
		if len(comp.Model) != n {
			return nil, &IndexError{What: fmt.Sprintf("model of %q", comp.Name), Index: len(comp.Model), Len: n, Length: true}
		}
		nz := make([]float64, len(c.nzIdx))
		tot := make([]float64, c.ne)
		if opts.Sparse {
			m := sparse.FromDense(comp.Model)
			if err := m.Gather(c.nzIdx, nz); err != nil {
				return nil, err
			}
			for k := range tot {
				tot[k] = m.Sum(k*c.npix, (k+1)*c.npix)
			}
			c.masters = append(c.masters, m)
		} else {
			for j, idx := range c.nzIdx {
				nz[j] = comp.Model[idx]
			}
			for k := range tot {
				tot[k] = floats.Sum(comp.Model[k*c.npix : (k+1)*c.npix])
			}
		}
		c.compNZ[i] = nz
		c.compTot[i] = tot
	}

	// reference likelihood: every source at its baseline scale, no test source
	fixed := make([]bool, len(b.Components))
	if err := c.RefactorModel(fixed, b.Scales(), false); err != nil {
		return nil, err
	}
	c.refLogLike = c.evalLogLike(c.params)

	if err := c.RefactorModel(b.FreeMask(), b.Scales(), false); err != nil {
		return nil, err
	}
	slog.Debug("Fit cache initialized",
		"components", len(b.Components),
		"energy_bins", c.ne,
		"pixels", c.npix,
		"nonzero_bins", len(c.nzIdx),
		"sparse", opts.Sparse,
		"ref_loglike", c.refLogLike,
	)
	return c, nil
}

// RefactorModel sets which sources are free, the scales of all sources, and
// whether the test source is fitted. Fixed sources are summed once here.
// Free parameters start at their scale and the test source at its current
// normalization, or 1 if it has none.
func (c *Cache) RefactorModel(free []bool, scales []float64, includeTest bool) error {
	nc := len(c.base.Components)
	if len(free) != nc {
		return &IndexError{What: "free mask", Index: len(free), Len: nc, Length: true}
	}
	if len(scales) != nc {
		return &IndexError{What: "scales", Index: len(scales), Len: nc, Length: true}
	}
	if includeTest && c.testImage == nil {
		return ErrNoTestSource
	}

	testNorm := 1.0
	if c.includeTest && len(c.params) > 0 {
		testNorm = c.params[len(c.params)-1]
	}

	c.freeMask = append(c.freeMask[:0], free...)
	c.scales = append(c.scales[:0], scales...)
	c.free = c.free[:0]
	c.fixedNZ = make([]float64, len(c.nzIdx))
	c.fixedTot = make([]float64, c.ne)
	for i, f := range free {
		if f {
			c.free = append(c.free, i)
			continue
		}
		if scales[i] == 0 {
			continue
		}
		floats.AddScaled(c.fixedNZ, scales[i], c.compNZ[i])
		floats.AddScaled(c.fixedTot, scales[i], c.compTot[i])
	}

	c.includeTest = includeTest
	c.params = make([]float64, 0, len(c.free)+1)
	for _, i := range c.free {
		c.params = append(c.params, scales[i])
	}
	if includeTest {
		c.params = append(c.params, testNorm)
	}
	c.reset()
	return nil
}

// AddTestSource includes the test source in the fit with the given starting
// normalization, leaving the other sources untouched.
func (c *Cache) AddTestSource(initNorm float64) error {
	if c.testImage == nil {
		return ErrNoTestSource
	}
	if initNorm < 0 || math.IsNaN(initNorm) {
		return fmt.Errorf("invalid test source normalization %g", initNorm)
	}
	if c.includeTest {
		c.params[len(c.params)-1] = initNorm
	} else {
		c.params = append(c.params, initNorm)
		c.includeTest = true
	}
	c.reset()
	return nil
}

// RemoveTestSource drops the test source from the fit.
func (c *Cache) RemoveTestSource() {
	if c.includeTest {
		c.params = c.params[:len(c.params)-1]
		c.includeTest = false
	}
	c.reset()
}

// SetTestSourceModel replaces the test source image. The image must cover
// the full counts index space and is copied.
func (c *Cache) SetTestSourceModel(image []float64) error {
	n := c.npix * c.ne
	if len(image) != n {
		return &IndexError{What: "test source image", Index: len(image), Len: n, Length: true}
	}
	for i, v := range image {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("test source image has invalid value %g at bin %d", v, i)
		}
	}
	if c.testImage == nil {
		c.testImage = make([]float64, n)
		c.testNZ = make([]float64, len(c.nzIdx))
		c.testTot = make([]float64, c.ne)
	}
	copy(c.testImage, image)
	for j, idx := range c.nzIdx {
		c.testNZ[j] = image[idx]
	}
	for k := range c.testTot {
		c.testTot[k] = floats.Sum(image[k*c.npix : (k+1)*c.npix])
	}
	c.reset()
	return nil
}

// ShiftTestSourceModel installs the test source image translated to dir.
func (c *Cache) ShiftTestSourceModel(tc *TestSourceCache, dir skyproj.Dir) error {
	img, err := tc.Translate(dir)
	if err != nil {
		return err
	}
	return c.SetTestSourceModel(img)
}

// SetEnergyBin restricts fits and likelihood evaluations to energy bin k,
// or to all bins for AllEnergyBins.
func (c *Cache) SetEnergyBin(k int) error {
	if k != AllEnergyBins && (k < 0 || k >= c.ne) {
		return &IndexError{What: "energy bin", Index: k, Len: c.ne}
	}
	c.ebin = k
	c.reset()
	return nil
}

// SetParams overwrites the current free parameters, for example with the
// result of an external optimizer.
func (c *Cache) SetParams(params []float64) error {
	if len(params) != len(c.params) {
		return &IndexError{What: "parameters", Index: len(params), Len: len(c.params), Length: true}
	}
	for i, p := range params {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("parameter %d has invalid value %g", i, p)
		}
	}
	copy(c.params, params)
	c.reset()
	return nil
}

// reset drops the results of the last fit after the configuration changed.
func (c *Cache) reset() {
	c.state = StateReady
	c.logLike = math.NaN()
	c.edm = math.NaN()
	c.iters = 0
	c.cov = nil
	c.grad = nil
	c.flat = nil
	c.degenerate = false
	c.usedPrior = false
}

// Clone returns a cache with its own fit state that shares the read-only
// baseline and reduced data with c.
func (c *Cache) Clone() *Cache {
	d := *c
	d.testImage = cloneFloats(c.testImage)
	d.testNZ = cloneFloats(c.testNZ)
	d.testTot = cloneFloats(c.testTot)
	d.freeMask = append([]bool(nil), c.freeMask...)
	d.scales = cloneFloats(c.scales)
	d.free = append([]int(nil), c.free...)
	d.fixedNZ = cloneFloats(c.fixedNZ)
	d.fixedTot = cloneFloats(c.fixedTot)
	d.params = cloneFloats(c.params)
	d.grad = cloneFloats(c.grad)
	d.flat = append([]bool(nil), c.flat...)
	if c.cov != nil {
		d.cov = mat.NewSymDense(c.cov.SymmetricDim(), nil)
		d.cov.CopySym(c.cov)
	}
	return &d
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// State returns the lifecycle state.
func (c *Cache) State() State { return c.state }

// Params returns a copy of the current free parameters, test source last.
func (c *Cache) Params() []float64 { return cloneFloats(c.params) }

// ParScales returns the scale of every region-model source: the fitted value
// for free sources and the fixed scale otherwise.
func (c *Cache) ParScales() []float64 {
	out := cloneFloats(c.scales)
	for j, i := range c.free {
		out[i] = c.params[j]
	}
	return out
}

// FreeMask returns which region-model sources are currently free.
func (c *Cache) FreeMask() []bool { return append([]bool(nil), c.freeMask...) }

// TestNorm returns the current test source normalization.
func (c *Cache) TestNorm() (float64, error) {
	if !c.includeTest {
		return 0, ErrNoTestSource
	}
	return c.params[len(c.params)-1], nil
}

// Covariance returns the covariance of the last fit, or nil.
func (c *Cache) Covariance() *mat.SymDense {
	if c.cov == nil {
		return nil
	}
	out := mat.NewSymDense(c.cov.SymmetricDim(), nil)
	out.CopySym(c.cov)
	return out
}

// CurrentLogLike returns the objective value found by the last fit.
func (c *Cache) CurrentLogLike() float64 { return c.logLike }

// EDM returns the estimated distance to the maximum at the last iteration.
func (c *Cache) EDM() float64 { return c.edm }

// Degenerate reports whether the last fit's Hessian could not be inverted.
func (c *Cache) Degenerate() bool { return c.degenerate }

// Iterations returns the number of Newton iterations of the last fit.
func (c *Cache) Iterations() int { return c.iters }

// RefLogLike returns the log-likelihood of the baseline model.
func (c *Cache) RefLogLike() float64 { return c.refLogLike }

// NumFree returns the number of free parameters, test source included.
func (c *Cache) NumFree() int { return len(c.params) }

// TestIndex returns the index of the test source in the parameter vector,
// or -1.
func (c *Cache) TestIndex() int {
	if !c.includeTest {
		return -1
	}
	return len(c.params) - 1
}

// IncludesTest reports whether the test source is fitted.
func (c *Cache) IncludesTest() bool { return c.includeTest }

// EnergyBin returns the selected energy bin or AllEnergyBins.
func (c *Cache) EnergyBin() int { return c.ebin }

// NumEnergyBins returns the number of energy bins.
func (c *Cache) NumEnergyBins() int { return c.ne }

// NumPixels returns the number of pixels per energy plane.
func (c *Cache) NumPixels() int { return c.npix }

// NumComponents returns the number of region-model sources.
func (c *Cache) NumComponents() int { return len(c.base.Components) }

// TestSourceName returns the name of the test source.
func (c *Cache) TestSourceName() string { return c.testName }

// ComponentNames returns the names of the region-model sources.
func (c *Cache) ComponentNames() []string { return c.base.Names() }

// BestModel returns the predicted counts of the current parameters over the
// full counts index space.
func (c *Cache) BestModel() []float64 {
	n := c.npix * c.ne
	out := make([]float64, n)
	scales := c.ParScales()
	for i, comp := range c.base.Components {
		if scales[i] == 0 {
			continue
		}
		if c.masters != nil {
			c.masters[i].AddScaledTo(out, scales[i])
		} else {
			floats.AddScaled(out, scales[i], comp.Model)
		}
	}
	if c.includeTest {
		floats.AddScaled(out, c.params[len(c.params)-1], c.testImage)
	}
	return out
}
