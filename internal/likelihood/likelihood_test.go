package likelihood

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/tscube/internal/skyproj"
)

func smallCube(t *testing.T) *Cube {
	t.Helper()
	cfg := DefaultSimConfig()
	cfg.NX, cfg.NY = 10, 8
	cfg.NumEnergy = 2
	cfg.Sources = []TestSource{{Name: "bkgsrc", Dir: skyproj.NewDir(83.8, 22.1, skyproj.CEL), Index: 2, Norm: 1e-12}}
	cube, err := Simulate(cfg)
	require.NoError(t, err)
	return cube
}

func TestExtractValidates(t *testing.T) {
	cube := smallCube(t)
	b, err := Extract(cube)
	require.NoError(t, err)
	assert.Equal(t, 2, b.NumEnergies)
	assert.Equal(t, 80, b.NumPixels)
	assert.Equal(t, []string{"isodiff", "galdiff", "bkgsrc"}, b.Names())
	assert.Equal(t, []bool{true, true, true}, b.FreeMask())

	bad := *cube.WCS
	c2 := &Cube{WCS: &bad, Edges: cube.Edges, Data: cube.Data[:10], Sources: cube.Sources, PSF: cube.PSF, Exposure: 1}
	_, err = Extract(c2)
	assert.Error(t, err)

	c3 := &Cube{WCS: cube.WCS, Edges: []float64{10, 5, 20}, Data: cube.Data, Sources: cube.Sources, PSF: cube.PSF, Exposure: 1}
	_, err = Extract(c3)
	assert.Error(t, err)

	dup := append([]Component(nil), cube.Sources...)
	dup[1].Name = dup[0].Name
	c4 := &Cube{WCS: cube.WCS, Edges: cube.Edges, Data: cube.Data, Sources: dup, PSF: cube.PSF, Exposure: 1}
	_, err = Extract(c4)
	assert.Error(t, err)
}

func TestExtractDefaultsScale(t *testing.T) {
	cube := smallCube(t)
	cube.Sources[0].Scale = 0
	b, err := Extract(cube)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Scales()[0])
}

func TestPowerLawIntegral(t *testing.T) {
	// index 2: e0^2 (1/lo - 1/hi)
	got := powerLawIntegral(100, 1000, 2, 1000)
	assert.InDelta(t, 1e6*(1.0/100-1.0/1000), got, 1e-6)
	assert.InDelta(t, 1000*math.Log(10), powerLawIntegral(100, 1000, 1, 1000), 1e-9)
}

func TestPSFSigma(t *testing.T) {
	p := DefaultPSF()
	assert.InDelta(t, p.Sigma0, p.Sigma(p.RefEnergy), 1e-12)
	assert.Less(t, p.Sigma(10000), p.Sigma(1000))
	assert.Equal(t, p.MinSigma, p.Sigma(1e9))
}

func TestSourceModelConservesCounts(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Proj = skyproj.TAN
	cfg.NX, cfg.NY = 21, 21
	cube, err := Simulate(cfg)
	require.NoError(t, err)

	src := TestSource{Name: "ts", Dir: cfg.Center, Index: 2, Norm: 1e-12}
	img, err := cube.SourceModel(src)
	require.NoError(t, err)

	npix := cube.NumPixels()
	for k := 0; k < cube.NumEnergyBins(); k++ {
		want := src.Norm * cube.Exposure * powerLawIntegral(cube.Edges[k], cube.Edges[k+1], src.Index, PivotEnergy)
		got := floats.Sum(img[k*npix : (k+1)*npix])
		assert.InEpsilon(t, want, got, 0.05, "energy bin %d", k)
	}

	// Peak sits on the reference pixel.
	plane := img[:npix]
	peak := floats.MaxIdx(plane)
	assert.Equal(t, 10*cfg.NX+10, peak)
}

func TestSourceModelRejectsBadIndex(t *testing.T) {
	cube := smallCube(t)
	_, err := cube.SourceModel(TestSource{Name: "x", Dir: cube.WCS.Center, Index: 0, Norm: 1})
	assert.Error(t, err)
}

func TestSimulateIsDeterministic(t *testing.T) {
	a := smallCube(t)
	b := smallCube(t)
	assert.Equal(t, a.Data, b.Data)
	assert.Greater(t, floats.Sum(a.Data), 0.0)
}

func TestSamplePoissonZeroMean(t *testing.T) {
	out := SamplePoisson([]float64{0, 0, 0}, 3)
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestCubeFITSRoundTrip(t *testing.T) {
	cube := smallCube(t)
	cube.Sources[1].Free = false
	cube.Sources[2].Scale = 2.5

	var buf bytes.Buffer
	require.NoError(t, WriteCube(&buf, cube))

	got, err := ReadCube(&buf)
	require.NoError(t, err)

	assert.Equal(t, cube.WCS.NX, got.WCS.NX)
	assert.Equal(t, cube.WCS.NY, got.WCS.NY)
	assert.Equal(t, cube.WCS.Type, got.WCS.Type)
	assert.InDelta(t, cube.WCS.CRPixX, got.WCS.CRPixX, 1e-12)
	assert.InDelta(t, cube.WCS.CDeltX, got.WCS.CDeltX, 1e-12)
	assert.InDelta(t, cube.WCS.Center.LonDeg(), got.WCS.Center.LonDeg(), 1e-9)
	require.Len(t, got.Edges, len(cube.Edges))
	assert.InDeltaSlice(t, cube.Edges, got.Edges, 1e-9)
	require.Len(t, got.Data, len(cube.Data))
	assert.Equal(t, cube.Data, got.Data)
	assert.InDelta(t, cube.Exposure, got.Exposure, 1)
	assert.InDelta(t, cube.PSF.Sigma0, got.PSF.Sigma0, 1e-12)

	require.Len(t, got.Sources, len(cube.Sources))
	for i, s := range cube.Sources {
		assert.Equal(t, s.Name, got.Sources[i].Name)
		assert.Equal(t, s.Free, got.Sources[i].Free)
		assert.InDelta(t, s.Scale, got.Sources[i].Scale, 1e-12)
		assert.InDeltaSlice(t, s.Model, got.Sources[i].Model, 1e-12)
	}
}

func TestAxesLen(t *testing.T) {
	assert.Equal(t, 0, axesLen(nil))
	assert.Equal(t, 7, axesLen([]int{7}))
	assert.Equal(t, 4*3*2, axesLen([]int{4, 3, 2}))
}
