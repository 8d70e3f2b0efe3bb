package fit

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maxLineIter bounds the inner iterations of the line search along a Newton
// direction.
const maxLineIter = 60

// condLimit is the Hessian condition number above which the Newton system
// is solved with the pseudo-inverse.
const condLimit = 1e12

// FitConfig controls a Newton fit.
type FitConfig struct {
	// UsePrior adds the prior matching the current parameters to the objective.
	UsePrior bool
	// MaxIter is the iteration cap.
	MaxIter int
	// Tol is the convergence threshold on the estimated distance to the
	// maximum, Δ·g.
	Tol float64
	// Relative scales Tol by |logL|.
	Relative bool
}

// DefaultFitConfig returns the tolerance and iteration cap used by scans.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		MaxIter: 30,
		Tol:     1e-3,
	}
}

// LogLikelihood returns the Poisson log-likelihood Σ[d ln m - m] of the
// current parameters over the selected energy range, without prior terms
// and without fitting.
func (c *Cache) LogLikelihood() (float64, error) {
	if c.state == StateUninitialized {
		return math.NaN(), ErrUninitialized
	}
	return c.evalLogLike(c.params), nil
}

// EvalLogLike returns the log-likelihood at arbitrary free parameters
// without changing the cache. Invalid points give -Inf.
func (c *Cache) EvalLogLike(params []float64) (float64, error) {
	if len(params) != len(c.params) {
		return math.NaN(), &IndexError{What: "parameters", Index: len(params), Len: len(c.params), Length: true}
	}
	l := c.evalLogLike(params)
	if math.IsNaN(l) {
		l = math.Inf(-1)
	}
	return l, nil
}

// Fit maximizes the log-likelihood over the free parameters with Newton's
// method and returns the log-likelihood of the data at the result. The prior
// term, when used, is part of the objective but not of the returned value.
//
// Each iteration solves the Newton system on the parameters that are off
// the zero boundary or pushed away from it, then searches along that
// direction for the maximum inside the feasible region. Parameters whose
// image has no counts under it have no curvature; the likelihood falls
// linearly in them and they are moved straight to zero. Iterations counts
// the Newton steps taken.
func (c *Cache) Fit(cfg FitConfig) (float64, error) {
	if c.state == StateUninitialized {
		return math.NaN(), ErrUninitialized
	}
	if len(c.params) == 0 {
		return c.evalLogLike(c.params), ErrNoFreeParameters
	}
	var prior *Prior
	if cfg.UsePrior {
		if prior = c.activePrior(); prior == nil {
			return math.NaN(), ErrNoPrior
		}
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = DefaultFitConfig().MaxIter
	}

	c.reset()
	c.state = StateFitting
	p := c.params

	if l := c.objective(p, prior); math.IsInf(l, -1) || math.IsNaN(l) {
		if !c.restartUncovered(p) {
			c.state = StateFailed
			return math.NaN(), fmt.Errorf("model is zero where counts are observed")
		}
	}

	var (
		logL, edm, threshold float64
		g                    []float64
		h                    *mat.SymDense
	)
	converged := false
	iter := 0
	for {
		logL, g, h = c.derivs(p, prior)
		if zeroFlat(h, g, p) {
			logL, g, h = c.derivs(p, prior)
		}
		delta := newtonStep(h, g, p)
		edm = floats.Dot(delta, g)
		threshold = cfg.Tol
		if cfg.Relative {
			threshold = cfg.Tol * math.Abs(logL)
		}
		slog.Debug("Newton iteration",
			"iter", iter,
			"loglike", logL,
			"edm", edm,
			"threshold", threshold,
		)
		if math.Abs(edm) < threshold {
			converged = true
			break
		}
		if iter == cfg.MaxIter {
			break
		}
		if !c.step(p, delta, prior, logL) {
			slog.Debug("Line search found no improvement", "iter", iter, "edm", edm)
			break
		}
		iter++
	}

	c.cov, c.flat, c.degenerate = covariance(h)
	c.grad = g
	c.edm = edm
	c.iters = iter
	c.usedPrior = prior != nil
	c.logLike = c.evalLogLike(p)

	if !converged {
		c.state = StateFailed
		slog.Debug("Fit did not converge", "iterations", iter, "edm", edm, "threshold", threshold)
		return c.logLike, &ConvergenceError{Iterations: iter, EDM: edm, Threshold: threshold}
	}
	c.state = StateConverged
	return c.logLike, nil
}

// restartUncovered gives a start value to the zero parameters whose images
// cover bins with counts but no model, so that the likelihood is finite.
// Each such parameter starts at the ratio of counts to image in those bins.
// Other parameters are left alone. It reports whether the start is valid.
func (c *Cache) restartUncovered(p []float64) bool {
	nz, _ := c.freeVectors()
	jlo, jhi, _, _ := c.bounds()
	data := make([]float64, len(p))
	img := make([]float64, len(p))
	for j := jlo; j < jhi; j++ {
		m := c.fixedNZ[j]
		for i, v := range nz {
			m += p[i] * v[j]
		}
		if m > 0 {
			continue
		}
		for i, v := range nz {
			if p[i] == 0 && v[j] > 0 {
				data[i] += c.nzData[j]
				img[i] += v[j]
			}
		}
	}
	for i := range p {
		if img[i] > 0 {
			p[i] = data[i] / img[i]
		}
	}
	l := c.evalLogLike(p)
	return !math.IsInf(l, -1) && !math.IsNaN(l)
}

// zeroFlat moves parameters without curvature and with a non-positive
// gradient to zero, their exact optimum. It reports whether any moved.
func zeroFlat(h *mat.SymDense, g, p []float64) bool {
	moved := false
	for i := range p {
		if h.At(i, i) <= 0 && g[i] <= 0 && p[i] != 0 {
			p[i] = 0
			moved = true
		}
	}
	return moved
}

// step moves p along the Newton direction delta to the maximum of the
// objective on the feasible part of that line. A parameter that reaches the
// zero boundary is set to exactly zero. It reports whether p improved.
func (c *Cache) step(p, delta []float64, prior *Prior, logL float64) bool {
	alphaMax := math.Inf(1)
	for i, d := range delta {
		if d < 0 {
			alphaMax = math.Min(alphaMax, p[i]/-d)
		}
	}
	alpha, ok := c.lineSearch(p, delta, prior, alphaMax)
	if !ok {
		return false
	}

	next := make([]float64, len(p))
	for {
		for i := range p {
			next[i] = p[i] + alpha*delta[i]
			if alpha == alphaMax && delta[i] < 0 && p[i]/-delta[i] <= alphaMax*(1+1e-12) {
				next[i] = 0
			}
		}
		l := c.objective(next, prior)
		if !math.IsNaN(l) && l >= logL {
			break
		}
		// rounding left the search point slightly worse; back off
		alpha /= 2
		if alpha < 1e-12 {
			return false
		}
	}
	copy(p, next)
	return true
}

// lineSearch maximizes φ(α) = objective(p + αΔ) for α in (0, alphaMax].
// φ is concave, so the search brackets the root of φ' and refines it with
// safeguarded Newton steps. Besides alphaMax, α is limited by the point
// where the model vanishes in a bin with counts.
func (c *Cache) lineSearch(p, delta []float64, prior *Prior, alphaMax float64) (float64, bool) {
	nz, tot := c.freeVectors()
	jlo, jhi, klo, khi := c.bounds()

	n := jhi - jlo
	m0 := make([]float64, n)
	r := make([]float64, n)
	alphaPos := math.Inf(1)
	for j := jlo; j < jhi; j++ {
		m := c.fixedNZ[j]
		var dm float64
		for i, v := range nz {
			m += p[i] * v[j]
			dm += delta[i] * v[j]
		}
		m0[j-jlo], r[j-jlo] = m, dm
		if dm < 0 {
			alphaPos = math.Min(alphaPos, -m/dm)
		}
	}
	var slope float64
	for k := klo; k < khi; k++ {
		for i, v := range tot {
			slope -= delta[i] * v[k]
		}
	}
	var curv float64
	if prior != nil {
		slope -= floats.Dot(delta, prior.Gradient(p))
		d := mat.NewVecDense(len(delta), delta)
		curv = mat.Inner(d, prior.Hessian(), d)
	}

	deriv := func(alpha float64) (float64, float64) {
		d1, d2 := slope-alpha*curv, -curv
		for j, dm := range r {
			if dm == 0 {
				continue
			}
			q := dm / (m0[j] + alpha*dm)
			d1 += c.nzData[jlo+j] * q
			d2 -= c.nzData[jlo+j] * q * q
		}
		return d1, d2
	}

	d0, _ := deriv(0)
	if !(d0 > 0) {
		return 0, false
	}
	lo, hi := 0.0, alphaPos
	if alphaMax < alphaPos {
		if d1, _ := deriv(alphaMax); d1 >= 0 {
			return alphaMax, true
		}
		hi = alphaMax
	}

	alpha := 1.0
	if alpha >= hi {
		alpha = hi / 2
	}
	for it := 0; it < maxLineIter; it++ {
		d1, d2 := deriv(alpha)
		if d1 > 0 {
			lo = alpha
		} else {
			hi = alpha
		}
		if math.Abs(d1) <= 1e-12*d0 || (!math.IsInf(hi, 1) && hi-lo <= 1e-15*hi) {
			return alpha, true
		}
		next := alpha - d1/d2
		if !(d2 < 0) || !(next > lo && next < hi) {
			if math.IsInf(hi, 1) {
				next = 2 * alpha
			} else {
				next = lo + (hi-lo)/2
			}
		}
		alpha = next
	}
	return lo, lo > 0
}

// activePrior returns the prior built for the current parameter layout.
func (c *Cache) activePrior() *Prior {
	pr := c.priorBkg
	if c.includeTest {
		pr = c.priorTest
	}
	if pr == nil || pr.Dim() != len(c.params) {
		return nil
	}
	return pr
}

// bounds returns the non-zero-data range and energy range of the current
// energy bin selection.
func (c *Cache) bounds() (jlo, jhi, klo, khi int) {
	if c.ebin == AllEnergyBins {
		return 0, len(c.nzIdx), 0, c.ne
	}
	return c.nzStart[c.ebin], c.nzStart[c.ebin+1], c.ebin, c.ebin + 1
}

// freeVectors returns, per free parameter, the component values at the
// non-zero-data bins and the per-energy totals.
func (c *Cache) freeVectors() (nz, tot [][]float64) {
	nz = make([][]float64, 0, len(c.params))
	tot = make([][]float64, 0, len(c.params))
	for _, i := range c.free {
		nz = append(nz, c.compNZ[i])
		tot = append(tot, c.compTot[i])
	}
	if c.includeTest {
		nz = append(nz, c.testNZ)
		tot = append(tot, c.testTot)
	}
	return nz, tot
}

func (c *Cache) objective(p []float64, prior *Prior) float64 {
	l := c.evalLogLike(p)
	if prior != nil {
		l -= prior.NegLogLike(p)
	}
	return l
}

func (c *Cache) evalLogLike(p []float64) float64 {
	nz, tot := c.freeVectors()
	jlo, jhi, klo, khi := c.bounds()

	var s float64
	for j := jlo; j < jhi; j++ {
		m := c.fixedNZ[j]
		for i, v := range nz {
			m += p[i] * v[j]
		}
		if m <= 0 {
			return math.Inf(-1)
		}
		s += c.nzData[j] * math.Log(m)
	}
	for k := klo; k < khi; k++ {
		t := c.fixedTot[k]
		for i, v := range tot {
			t += p[i] * v[k]
		}
		s -= t
	}
	return s
}

// derivs returns the objective, its gradient and the Hessian of its
// negative. The Poisson part of the Hessian is Σ d c_i c_j / m².
func (c *Cache) derivs(p []float64, prior *Prior) (float64, []float64, *mat.SymDense) {
	nz, tot := c.freeVectors()
	jlo, jhi, klo, khi := c.bounds()
	n := len(p)

	g := make([]float64, n)
	h := mat.NewSymDense(n, nil)
	var logL float64
	for j := jlo; j < jhi; j++ {
		m := c.fixedNZ[j]
		for i, v := range nz {
			m += p[i] * v[j]
		}
		d := c.nzData[j]
		logL += d * math.Log(m)
		w := d / m
		w2 := w / m
		for a := 0; a < n; a++ {
			va := nz[a][j]
			if va == 0 {
				continue
			}
			g[a] += w * va
			for b := a; b < n; b++ {
				if vb := nz[b][j]; vb != 0 {
					h.SetSym(a, b, h.At(a, b)+w2*va*vb)
				}
			}
		}
	}
	for k := klo; k < khi; k++ {
		logL -= c.fixedTot[k]
		for i, v := range tot {
			logL -= p[i] * v[k]
			g[i] -= v[k]
		}
	}
	if prior != nil {
		logL -= prior.NegLogLike(p)
		floats.Sub(g, prior.Gradient(p))
		h.AddSym(h, prior.Hessian())
	}
	return logL, g, h
}

// newtonStep solves H·Δ = g on the active parameters. Parameters at zero
// whose gradient points below zero, or whose step would, are held there and
// the system is solved again without them. Parameters without curvature
// are held as well.
func newtonStep(h *mat.SymDense, g, p []float64) []float64 {
	n := len(g)
	held := make([]bool, n)
	for i := 0; i < n; i++ {
		held[i] = h.At(i, i) <= 0 || (p[i] == 0 && g[i] <= 0)
	}

	delta := make([]float64, n)
	for {
		var active []int
		for i := 0; i < n; i++ {
			delta[i] = 0
			if !held[i] {
				active = append(active, i)
			}
		}
		if len(active) == 0 {
			return delta
		}
		ds := solveSym(subSym(h, active), active, g)
		for a, i := range active {
			delta[i] = ds[a]
		}

		again := false
		for _, i := range active {
			if p[i] == 0 && delta[i] < 0 {
				held[i] = true
				again = true
			}
		}
		if !again {
			return delta
		}
	}
}

// solveSym solves sub·x = g[idx], falling back to the pseudo-inverse when
// sub is singular or badly conditioned.
func solveSym(sub *mat.SymDense, idx []int, g []float64) []float64 {
	gs := mat.NewVecDense(len(idx), nil)
	for a, i := range idx {
		gs.SetVec(a, g[i])
	}
	out := make([]float64, len(idx))
	var x mat.VecDense
	var chol mat.Cholesky
	solved := chol.Factorize(sub) && chol.Cond() < condLimit && chol.SolveVecTo(&x, gs) == nil
	if !solved {
		pinv := pseudoInverse(sub)
		if pinv == nil {
			return out
		}
		x.MulVec(pinv, gs)
	}
	for a := range out {
		out[a] = x.AtVec(a)
	}
	return out
}

// covariance inverts the Hessian on the parameters with curvature. flat marks
// parameters without curvature, whose rows are left at zero. A singular
// block falls back to its pseudo-inverse and is reported as degenerate.
func covariance(h *mat.SymDense) (*mat.SymDense, []bool, bool) {
	n := h.SymmetricDim()
	flat := make([]bool, n)
	var active []int
	for i := 0; i < n; i++ {
		if h.At(i, i) > 0 {
			active = append(active, i)
		} else {
			flat[i] = true
		}
	}
	cov := mat.NewSymDense(n, nil)
	if len(active) == 0 {
		return cov, flat, false
	}

	sub := subSym(h, active)
	inv := new(mat.SymDense)
	var chol mat.Cholesky
	degenerate := true
	if chol.Factorize(sub) && chol.InverseTo(inv) == nil {
		degenerate = false
	} else if inv = pseudoInverse(sub); inv == nil {
		return nil, flat, true
	}
	for a, i := range active {
		for b := a; b < len(active); b++ {
			cov.SetSym(i, active[b], inv.At(a, b))
		}
	}
	return cov, flat, degenerate
}

func subSym(h *mat.SymDense, idx []int) *mat.SymDense {
	sub := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			sub.SetSym(a, b, h.At(i, idx[b]))
		}
	}
	return sub
}

// pseudoInverse returns the Moore-Penrose inverse of a symmetric matrix,
// discarding singular values below a relative cutoff.
func pseudoInverse(a *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)
	if len(s) == 0 || s[0] == 0 {
		return mat.NewSymDense(n, nil)
	}
	cut := s[0] * float64(n) * 1e-12

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var x float64
			for k, sk := range s {
				if sk > cut {
					x += v.At(i, k) * u.At(j, k) / sk
				}
			}
			out.SetSym(i, j, x)
		}
	}
	return out
}
