// Package scan drives the fit cache over a grid of test source positions
// and collects TS maps, per-energy-bin SEDs and normalization scans.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/tscube/internal/fit"
	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/opt"
	"github.com/cwbudde/tscube/internal/skyproj"
)

// Config controls a scan.
type Config struct {
	// TestSource describes the scanned source. Its direction is set per
	// grid point.
	TestSource likelihood.TestSource
	// Fit is the Newton fit configuration used everywhere.
	Fit fit.FitConfig
	// InitNorm is the starting test source normalization at every point.
	InitNorm float64
	// ErrorLevel is the log-likelihood drop defining the errors, 0.5 for 1σ.
	ErrorLevel float64

	// DoSED fits every energy bin after the broadband fit.
	DoSED bool
	// NumNorm is the number of points of the normalization scan per energy
	// bin, 0 to skip it.
	NumNorm int
	// NormSigma is the half width of the normalization scan in units of the
	// bin errors.
	NormSigma float64
	// CovScale < 0 or 0 fixes the background sources at their broadband
	// values in the bin fits; > 0 frees them under a prior built from the
	// broadband covariance scaled by CovScale.
	CovScale float64

	// Remake rebuilds the test source image at every point instead of
	// shifting the reference image.
	Remake bool
	// Resampling selects how the reference image is shifted.
	Resampling fit.Resampling
	// Sparse keeps the source images compressed in the fit cache.
	Sparse bool
	// FullFitLevel 1 refines the broadband fit with the external optimizer,
	// 2 also the energy bin fits.
	FullFitLevel int
}

// DefaultConfig returns the scan defaults.
func DefaultConfig() Config {
	return Config{
		TestSource: likelihood.TestSource{Name: "tscube_testsource", Index: 2, Norm: 1e-12},
		Fit:        fit.DefaultFitConfig(),
		InitNorm:   1,
		ErrorLevel: 0.5,
		DoSED:      true,
		NumNorm:    10,
		NormSigma:  5,
		CovScale:   -1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TestSource.Name == "" {
		return fmt.Errorf("test source name is empty")
	}
	if !(c.TestSource.Index > 0) {
		return fmt.Errorf("invalid test source index %g", c.TestSource.Index)
	}
	if c.InitNorm < 0 || math.IsNaN(c.InitNorm) {
		return fmt.Errorf("invalid initial normalization %g", c.InitNorm)
	}
	if !(c.ErrorLevel > 0) {
		return fmt.Errorf("invalid error level %g", c.ErrorLevel)
	}
	if c.NumNorm < 0 {
		return fmt.Errorf("invalid number of normalization points %d", c.NumNorm)
	}
	if c.NumNorm > 0 && !(c.NormSigma > 0) {
		return fmt.Errorf("invalid normalization scan width %g", c.NormSigma)
	}
	if math.IsNaN(c.CovScale) {
		return fmt.Errorf("invalid covariance scale")
	}
	if c.FullFitLevel < 0 || c.FullFitLevel > 2 {
		return fmt.Errorf("invalid full fit level %d", c.FullFitLevel)
	}
	if !(c.Fit.Tol > 0) {
		return fmt.Errorf("invalid fit tolerance %g", c.Fit.Tol)
	}
	return nil
}

// ProgressFunc is called after every grid point.
type ProgressFunc func(done, total int, p Point)

// Driver runs scans of one region. It is not safe for concurrent use.
type Driver struct {
	prov  likelihood.Provider
	grid  Grid
	opt   opt.Optimizer
	cfg   Config
	base  *likelihood.Baseline
	cache *fit.Cache
	tc    *fit.TestSourceCache

	progress   ProgressFunc
	nullScales []float64
}

// NewDriver extracts the baseline of p, builds the fit cache and the test
// source reference image at the grid centre. o may be nil when
// FullFitLevel is 0.
func NewDriver(p likelihood.Provider, grid Grid, o opt.Optimizer, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scan config: %w", err)
	}
	if grid == nil || grid.Len() == 0 {
		return nil, fmt.Errorf("empty scan grid")
	}
	if cfg.FullFitLevel > 0 && o == nil {
		return nil, fmt.Errorf("full fit level %d needs an optimizer", cfg.FullFitLevel)
	}

	base, err := likelihood.Extract(p)
	if err != nil {
		return nil, fmt.Errorf("failed to extract baseline: %w", err)
	}
	cache, err := fit.NewCache(base, cfg.TestSource.Name, fit.Options{Sparse: cfg.Sparse})
	if err != nil {
		return nil, fmt.Errorf("failed to build fit cache: %w", err)
	}

	src := cfg.TestSource
	src.Dir = grid.Center()
	ref, err := p.SourceModel(src)
	if err != nil {
		return nil, fmt.Errorf("failed to build test source image: %w", err)
	}
	nx, ny := p.Shape()
	tc, err := fit.NewTestSourceCache(ref, p.Projection(), src.Dir, nx, ny, base.NumEnergies, cfg.Resampling)
	if err != nil {
		return nil, fmt.Errorf("failed to cache test source image: %w", err)
	}

	return &Driver{
		prov:  p,
		grid:  grid,
		opt:   o,
		cfg:   cfg,
		base:  base,
		cache: cache,
		tc:    tc,
	}, nil
}

// SetProgress installs a callback run after every grid point.
func (d *Driver) SetProgress(fn ProgressFunc) { d.progress = fn }

// Cache returns the fit cache of the driver.
func (d *Driver) Cache() *fit.Cache { return d.cache }

// RunTSMap scans the broadband TS only.
func (d *Driver) RunTSMap(ctx context.Context) (*Results, error) {
	cfg := d.cfg
	d.cfg.DoSED = false
	d.cfg.NumNorm = 0
	defer func() { d.cfg = cfg }()
	return d.RunTSCube(ctx)
}

// RunTSCube fits the null hypothesis, then the test source at every grid
// point. Failures at a point are recorded as invalid and the scan goes on.
// On cancellation the partial results are returned with the context error.
func (d *Driver) RunTSCube(ctx context.Context) (*Results, error) {
	res := newResults(d.grid, d.base.EnergyEdges, d.cfg.TestSource.Name, d.cfg.DoSED, d.cfg.NumNorm)
	return d.run(ctx, res)
}

// Resume continues an interrupted scan. Points already recorded in prev
// are kept; the others are scanned and written into prev.
func (d *Driver) Resume(ctx context.Context, prev *Results) (*Results, error) {
	want := newResults(d.grid, d.base.EnergyEdges, d.cfg.TestSource.Name, d.cfg.DoSED, d.cfg.NumNorm)
	if err := prev.compatible(want); err != nil {
		return nil, fmt.Errorf("cannot resume scan: %w", err)
	}
	return d.run(ctx, prev)
}

func (d *Driver) run(ctx context.Context, res *Results) (*Results, error) {
	res.RefLogLike = d.cache.RefLogLike()

	null, err := d.nullFit()
	if err != nil {
		return nil, err
	}
	res.NullLogLike = null

	n := d.grid.Len()
	slog.Info("Starting scan",
		"points", n,
		"resumed", res.NumDone(),
		"energy_bins", d.base.NumEnergies,
		"sed", d.cfg.DoSED,
		"norm_points", d.cfg.NumNorm,
		"null_loglike", null,
	)
	start := time.Now()
	step := max(1, n/10)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			slog.Info("Scan interrupted", "done", i, "points", n)
			return res, fmt.Errorf("scan interrupted after %d of %d points: %w", i, n, err)
		}

		if res.Done(i) {
			continue
		}
		p, bins := d.scanPoint(i, null)
		res.setPoint(p)
		for k, b := range bins {
			res.setBin(i, k, b)
		}

		slog.Debug("Scan point", "index", i, "dir", p.Dir.String(), "ts", p.TS, "norm", p.Norm, "valid", p.Valid)
		if (i+1)%step == 0 || i+1 == n {
			slog.Info("Scan progress", "done", i+1, "points", n, "failed", res.NumFailed, "elapsed", time.Since(start))
		}
		if d.progress != nil {
			d.progress(i+1, n, p)
		}
	}

	best, ts := res.MaxTS()
	slog.Info("Scan complete", "points", n, "failed", res.NumFailed, "max_ts", ts, "max_ts_index", best, "elapsed", time.Since(start))
	return res, nil
}

// nullFit fits the baseline sources without the test source.
func (d *Driver) nullFit() (float64, error) {
	c := d.cache
	c.ClearPriors()
	if err := c.SetEnergyBin(fit.AllEnergyBins); err != nil {
		return math.NaN(), err
	}
	if err := c.RefactorModel(d.base.FreeMask(), d.base.Scales(), false); err != nil {
		return math.NaN(), fmt.Errorf("failed to configure null fit: %w", err)
	}
	l, err := c.Fit(d.cfg.Fit)
	switch {
	case err == nil:
	case errors.Is(err, fit.ErrNoFreeParameters):
		slog.Info("Null hypothesis has no free sources")
	case errors.Is(err, fit.ErrConvergence):
		slog.Warn("Null fit did not converge", "error", err)
	default:
		return math.NaN(), fmt.Errorf("failed to fit null hypothesis: %w", err)
	}
	if math.IsNaN(l) || math.IsInf(l, 0) {
		return math.NaN(), fmt.Errorf("null hypothesis log-likelihood is %g", l)
	}
	d.nullScales = c.ParScales()
	return l, nil
}

// scanPoint fits the test source at grid point i.
func (d *Driver) scanPoint(i int, null float64) (Point, []BinResult) {
	c := d.cache
	var bins []BinResult
	fail := func(p Point) (Point, []BinResult) {
		if d.cfg.DoSED {
			bins = make([]BinResult, d.base.NumEnergies)
			for k := range bins {
				bins[k] = invalidBin(d.cfg.NumNorm)
			}
		}
		return p, bins
	}

	dir, err := d.grid.Dir(i)
	if err != nil {
		slog.Warn("Skipping grid point", "index", i, "error", err)
		return fail(invalidPoint(i, dir, err))
	}
	if err := d.placeTestSource(dir); err != nil {
		slog.Warn("Skipping grid point", "index", i, "dir", dir.String(), "error", err)
		return fail(invalidPoint(i, dir, err))
	}

	c.ClearPriors()
	if err := c.SetEnergyBin(fit.AllEnergyBins); err != nil {
		return fail(invalidPoint(i, dir, err))
	}
	if err := c.RefactorModel(d.base.FreeMask(), d.nullScales, false); err != nil {
		return fail(invalidPoint(i, dir, err))
	}
	if err := c.AddTestSource(d.cfg.InitNorm); err != nil {
		return fail(invalidPoint(i, dir, err))
	}

	logL, err := c.Fit(d.cfg.Fit)
	refit := false
	if d.cfg.FullFitLevel >= 1 {
		if l, ok := d.refine(logL); ok {
			logL, err, refit = l, nil, true
		}
	}
	if err != nil {
		slog.Warn("Fit failed at grid point", "index", i, "dir", dir.String(), "error", err)
		p := invalidPoint(i, dir, err)
		p.Iterations = c.Iterations()
		return fail(p)
	}

	norm, _ := c.TestNorm()
	p := Point{
		Index:      i,
		Dir:        dir,
		Valid:      true,
		Status:     c.State(),
		TS:         2 * (logL - null),
		Norm:       norm,
		LogLike:    logL,
		Iterations: c.Iterations(),
		Refit:      refit,
	}
	p.ErrPos, p.ErrNeg, err = c.EstimateUncertainty(d.cfg.ErrorLevel)
	if err != nil {
		slog.Debug("No uncertainty at grid point", "index", i, "error", err)
		p.ErrPos, p.ErrNeg = math.NaN(), math.NaN()
	}

	if d.cfg.DoSED {
		bins = d.fitBins()
	}
	return p, bins
}

// placeTestSource installs the test source image for dir.
func (d *Driver) placeTestSource(dir skyproj.Dir) error {
	if !d.cfg.Remake {
		return d.cache.ShiftTestSourceModel(d.tc, dir)
	}
	src := d.cfg.TestSource
	src.Dir = dir
	img, err := d.prov.SourceModel(src)
	if err != nil {
		return fmt.Errorf("failed to build test source image: %w", err)
	}
	return d.cache.SetTestSourceModel(img)
}

// refine runs the external optimizer from the current fit and keeps its
// result when it improves the likelihood. The Newton fit is then repeated
// from there to get the curvature for the errors.
func (d *Driver) refine(logL float64) (float64, bool) {
	c := d.cache
	start := c.Params()
	dim := len(start)
	if dim == 0 {
		return logL, false
	}
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for j, v := range start {
		upper[j] = math.Max(1, 3*v)
	}
	eval := func(x []float64) float64 {
		l, err := c.EvalLogLike(x)
		if err != nil || math.IsInf(l, -1) {
			return math.MaxFloat64
		}
		return -l
	}
	best, cost := d.opt.Run(eval, lower, upper, dim)
	if len(best) != dim || !(-cost > logL) && !math.IsNaN(logL) {
		return logL, false
	}
	if err := c.SetParams(best); err != nil {
		return logL, false
	}
	l, err := c.Fit(d.cfg.Fit)
	if err != nil || !(l >= logL || math.IsNaN(logL)) {
		_ = c.SetParams(start)
		if _, err := c.Fit(d.cfg.Fit); err != nil {
			slog.Debug("Refit from Newton start failed", "error", err)
		}
		return logL, false
	}
	slog.Debug("Optimizer refit improved fit", "loglike", l, "previous", logL)
	return l, true
}

// fitBins fits every energy bin starting from the broadband result held by
// the cache.
func (d *Driver) fitBins() []BinResult {
	c := d.cache
	ne := d.base.NumEnergies
	bins := make([]BinResult, ne)

	scales := c.ParScales()
	bbParams := c.Params()
	testNorm := bbParams[len(bbParams)-1]

	usePrior := d.cfg.CovScale > 0
	if usePrior {
		if _, err := c.BuildPriorFromCurrent(nil, d.cfg.CovScale); err != nil {
			slog.Warn("Cannot constrain backgrounds, fixing them", "error", err)
			usePrior = false
		}
	}
	free := make([]bool, len(scales))
	if usePrior {
		free = d.base.FreeMask()
	}
	fitCfg := d.cfg.Fit
	fitCfg.UsePrior = usePrior

	for k := 0; k < ne; k++ {
		b, err := d.fitBin(k, free, scales, testNorm, fitCfg)
		if err != nil {
			slog.Debug("Energy bin fit failed", "bin", k, "error", err)
			b = invalidBin(d.cfg.NumNorm)
		}
		bins[k] = b
	}
	_ = c.SetEnergyBin(fit.AllEnergyBins)
	return bins
}

func (d *Driver) fitBin(k int, free []bool, scales []float64, testNorm float64, cfg fit.FitConfig) (BinResult, error) {
	c := d.cache
	if err := c.SetEnergyBin(k); err != nil {
		return BinResult{}, err
	}
	if err := c.RefactorModel(free, scales, false); err != nil {
		return BinResult{}, err
	}
	if err := c.AddTestSource(testNorm); err != nil {
		return BinResult{}, err
	}
	logL, err := c.Fit(cfg)
	if d.cfg.FullFitLevel >= 2 && !cfg.UsePrior {
		if l, ok := d.refine(logL); ok {
			logL, err = l, nil
		}
	}
	if err != nil {
		return BinResult{}, err
	}

	params := c.Params()
	t := len(params) - 1
	norm := params[t]
	params[t] = 0
	null, err := c.EvalLogLike(params)
	if err != nil {
		return BinResult{}, err
	}
	params[t] = norm

	b := BinResult{TS: 2 * (logL - null), Norm: norm, LogLike: logL}
	if math.IsInf(null, -1) {
		// counts the backgrounds cannot explain
		b.TS = math.Inf(1)
	}
	b.ErrPos, b.ErrNeg, err = c.EstimateUncertainty(d.cfg.ErrorLevel)
	if err != nil {
		b.ErrPos, b.ErrNeg = math.NaN(), math.NaN()
	}

	if d.cfg.NumNorm > 0 {
		pos, neg := b.ErrPos, b.ErrNeg
		if math.IsNaN(pos) || math.IsInf(pos, 0) {
			pos = math.Max(norm, 1)
		}
		if math.IsNaN(neg) || math.IsInf(neg, 0) {
			neg = norm
		}
		norms, lls, err := c.ScanNormalization(d.cfg.NumNorm, d.cfg.NormSigma, pos, neg)
		if err != nil {
			return BinResult{}, err
		}
		peak := logL
		if cfg.UsePrior {
			if pr := c.Prior(); pr != nil {
				peak -= pr.NegLogLike(params)
			}
		}
		b.Norms = norms
		b.DLogLike = make([]float64, len(lls))
		for j, l := range lls {
			b.DLogLike[j] = l - peak
		}
	}
	return b, nil
}
