package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/skyproj"
)

var fieldCenter = skyproj.NewDir(83.63, 22.01, skyproj.CEL)

// simField is the default field enlarged to 21x21 pixels, so that the map
// centre is a pixel centre, with a bright source injected there.
func simField(t *testing.T, injectedNorm float64) *likelihood.Cube {
	t.Helper()
	cfg := likelihood.DefaultSimConfig()
	cfg.NX, cfg.NY = 21, 21
	if injectedNorm > 0 {
		cfg.Injected = []likelihood.TestSource{{Name: "injected", Dir: fieldCenter, Index: 2, Norm: injectedNorm}}
	}
	cube, err := likelihood.Simulate(cfg)
	require.NoError(t, err)
	return cube
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DoSED = false
	cfg.NumNorm = 0
	return cfg
}

func newTestDriver(t *testing.T, p likelihood.Provider, cube *likelihood.Cube, cfg Config) *Driver {
	t.Helper()
	g, err := NewWCSGrid(cube.WCS, 5, 5)
	require.NoError(t, err)
	d, err := NewDriver(p, g, nil, cfg)
	require.NoError(t, err)
	return d
}

func TestTSMapPeaksAtInjectedSource(t *testing.T) {
	cube := simField(t, 5e-13)
	d := newTestDriver(t, cube, cube, testConfig())

	res, err := d.RunTSMap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 25, res.NumPoints)
	assert.Equal(t, 0, res.NumFailed)
	assert.False(t, math.IsNaN(res.NullLogLike))
	assert.NotNil(t, res.WCS)
	assert.Nil(t, res.Hist(HistTS), "no SED histograms for a TS map")

	best, ts := res.MaxTS()
	require.GreaterOrEqual(t, best, 0, "no valid point in the map")
	assert.Contains(t, []int{7, 11, 12, 13, 17}, best)
	assert.Greater(t, ts, 25.0)

	p := res.PointAt(best)
	assert.True(t, p.Valid)
	assert.Greater(t, p.Norm, 0.0)
	assert.Greater(t, p.ErrPos, 0.0)
	assert.Greater(t, p.ErrNeg, 0.0)
	assert.InDelta(t, ts, 2*(p.LogLike-res.NullLogLike), 1e-9)

	// corners are further from the source
	assert.Less(t, res.Hist(HistTSMap).Data()[0], ts)
}

func TestTSCubeSEDAndNormScan(t *testing.T) {
	cube := simField(t, 5e-13)
	cfg := DefaultConfig()
	cfg.NumNorm = 7
	d := newTestDriver(t, cube, cube, cfg)

	res, err := d.RunTSCube(context.Background())
	require.NoError(t, err)

	ne := len(cube.Edges) - 1
	tsHist := res.Hist(HistTS)
	require.NotNil(t, tsHist)
	assert.Equal(t, []int{5, 5, ne}, tsHist.Dims())
	require.NotNil(t, res.Hist(HistNormScan))
	assert.Equal(t, []int{5, 5, ne, 7}, res.Hist(HistDLogLikeScan).Dims())

	best, _ := res.MaxTS()
	require.GreaterOrEqual(t, best, 0)
	var sumTS float64
	for k := 0; k < ne; k++ {
		v := tsHist.Data()[best+25*k]
		require.False(t, math.IsNaN(v), "bin %d", k)
		assert.GreaterOrEqual(t, v, -1e-6)
		sumTS += v
	}
	assert.Greater(t, sumTS, 0.0)

	dl := res.Hist(HistDLogLikeScan).Data()
	norms := res.Hist(HistNormScan).Data()
	for k := 0; k < ne; k++ {
		for j := 0; j < 7; j++ {
			c := best + 25*(k+ne*j)
			assert.LessOrEqual(t, dl[c], 1e-3, "bin %d point %d", k, j)
			assert.GreaterOrEqual(t, norms[c], 0.0)
		}
	}
}

func TestTSCubeWithBackgroundPrior(t *testing.T) {
	cube := simField(t, 5e-13)
	cfg := DefaultConfig()
	cfg.NumNorm = 5
	cfg.CovScale = 4
	d := newTestDriver(t, cube, cube, cfg)

	res, err := d.RunTSCube(context.Background())
	require.NoError(t, err)

	best, _ := res.MaxTS()
	require.GreaterOrEqual(t, best, 0)
	ne := len(cube.Edges) - 1
	for k := 0; k < ne; k++ {
		assert.False(t, math.IsNaN(res.Hist(HistNorm).Data()[best+25*k]), "bin %d", k)
	}
}

func TestRemakeAgreesWithShift(t *testing.T) {
	cube := simField(t, 5e-13)
	shift := newTestDriver(t, cube, cube, testConfig())
	rs, err := shift.RunTSMap(context.Background())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Remake = true
	remake := newTestDriver(t, cube, cube, cfg)
	rr, err := remake.RunTSMap(context.Background())
	require.NoError(t, err)

	// grid points are map pixel centres, so shifts are whole pixels
	bs, _ := rs.MaxTS()
	br, _ := rr.MaxTS()
	require.GreaterOrEqual(t, bs, 0)
	require.GreaterOrEqual(t, br, 0)
	assert.Contains(t, []int{7, 11, 12, 13, 17}, bs)
	assert.Contains(t, []int{7, 11, 12, 13, 17}, br)
	assert.InEpsilon(t, rr.PointAt(12).TS, rs.PointAt(12).TS, 0.05)
}

// eastFailProvider cannot build source images east of the map centre.
type eastFailProvider struct {
	*likelihood.Cube
}

func (p eastFailProvider) SourceModel(src likelihood.TestSource) ([]float64, error) {
	x, _, err := p.WCS.SkyToPix(src.Dir)
	if err != nil {
		return nil, err
	}
	if x < p.WCS.CRPixX-0.01 {
		return nil, fmt.Errorf("no response east of pixel %g", p.WCS.CRPixX)
	}
	return p.Cube.SourceModel(src)
}

func TestFailedPointsAreInvalid(t *testing.T) {
	cube := simField(t, 5e-13)
	cfg := testConfig()
	cfg.Remake = true
	d := newTestDriver(t, eastFailProvider{cube}, cube, cfg)

	var seen []Point
	d.SetProgress(func(done, total int, p Point) {
		assert.Equal(t, 25, total)
		assert.Equal(t, len(seen)+1, done)
		seen = append(seen, p)
	})

	res, err := d.RunTSMap(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 25)

	// grid columns 0 and 1 are east of the centre
	assert.Equal(t, 10, res.NumFailed)
	for i, p := range seen {
		east := i%5 < 2
		assert.Equal(t, !east, p.Valid, "point %d", i)
		if east {
			assert.True(t, math.IsNaN(res.Hist(HistTSMap).Data()[i]))
			assert.Equal(t, 0.0, res.Hist(HistValidMap).Data()[i])
			assert.NotEmpty(t, p.Error)
		}
	}
}

func TestCancelledScanReturnsPartialResults(t *testing.T) {
	cube := simField(t, 0)
	d := newTestDriver(t, cube, cube, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	d.SetProgress(func(done, total int, p Point) {
		n = done
		if done == 3 {
			cancel()
		}
	})

	res, err := d.RunTSMap(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Equal(t, 3, n)
	assert.False(t, math.IsNaN(res.Hist(HistTSMap).Data()[2]))
	assert.True(t, math.IsNaN(res.Hist(HistTSMap).Data()[3]))
}

func TestNewDriverValidates(t *testing.T) {
	cube := simField(t, 0)
	g, err := NewWCSGrid(cube.WCS, 2, 2)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.FullFitLevel = 1
	_, err = NewDriver(cube, g, nil, cfg)
	assert.Error(t, err, "full fit without optimizer")

	cfg = testConfig()
	cfg.TestSource.Name = "isodiff"
	_, err = NewDriver(cube, g, nil, cfg)
	assert.Error(t, err, "test source name collides with the region model")

	cfg = testConfig()
	cfg.ErrorLevel = 0
	_, err = NewDriver(cube, g, nil, cfg)
	assert.Error(t, err)

	bad := &likelihood.Cube{WCS: cube.WCS, Edges: cube.Edges, Data: cube.Data[:5], Sources: cube.Sources, PSF: cube.PSF, Exposure: cube.Exposure}
	_, err = NewDriver(bad, g, nil, testConfig())
	assert.Error(t, err)
}

// midpointOptimizer returns the centre of the box, which is never better
// than the Newton fit.
type midpointOptimizer struct{ calls int }

func (m *midpointOptimizer) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	m.calls++
	x := make([]float64, dim)
	for i := range x {
		x[i] = (lower[i] + upper[i]) / 2
	}
	return x, eval(x)
}

func TestFullFitKeepsBetterLikelihood(t *testing.T) {
	cube := simField(t, 5e-13)
	g, err := NewWCSGrid(cube.WCS, 2, 2)
	require.NoError(t, err)

	plain, err := NewDriver(cube, g, nil, testConfig())
	require.NoError(t, err)
	want, err := plain.RunTSMap(context.Background())
	require.NoError(t, err)

	o := &midpointOptimizer{}
	cfg := testConfig()
	cfg.FullFitLevel = 1
	full, err := NewDriver(cube, g, o, cfg)
	require.NoError(t, err)
	got, err := full.RunTSMap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, o.calls)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, want.PointAt(i).TS, got.PointAt(i).TS, 1e-6, "point %d", i)
	}
}

func TestResumeCompletesInterruptedScan(t *testing.T) {
	cube := simField(t, 5e-13)
	d := newTestDriver(t, cube, cube, testConfig())
	want, err := d.RunTSMap(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.SetProgress(func(done, total int, p Point) {
		if done == 10 {
			cancel()
		}
	})
	partial, err := d.RunTSMap(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, partial.NumDone())

	var rescanned []int
	d.SetProgress(func(done, total int, p Point) { rescanned = append(rescanned, p.Index) })
	got, err := d.Resume(context.Background(), partial)
	require.NoError(t, err)
	require.Len(t, rescanned, 15)
	assert.Equal(t, 10, rescanned[0])
	assert.Equal(t, 25, got.NumDone())
	for i := 0; i < 25; i++ {
		assert.InDelta(t, want.PointAt(i).TS, got.PointAt(i).TS, 1e-2, "point %d", i)
	}
}

func TestResumeRejectsOtherGrid(t *testing.T) {
	cube := simField(t, 0)
	d := newTestDriver(t, cube, cube, testConfig())

	g, err := NewWCSGrid(cube.WCS, 2, 2)
	require.NoError(t, err)
	other := newResults(g, cube.Edges, d.cfg.TestSource.Name, false, 0)
	_, err = d.Resume(context.Background(), other)
	assert.Error(t, err)
}
