package fit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/skyproj"
)

func testWCS(t *testing.T, proj skyproj.ProjType) *skyproj.WCS {
	t.Helper()
	w, err := skyproj.NewWCS(proj, skyproj.NewDir(0, 0, skyproj.GAL), 5, 5, 1)
	require.NoError(t, err)
	return w
}

// hot pixel at the map centre in both energy planes
func hotImage() []float64 {
	img := make([]float64, 50)
	img[12] = 1
	img[25+12] = 2
	return img
}

func TestTranslateToReferenceIsExact(t *testing.T) {
	ref := make([]float64, 50)
	for i := range ref {
		ref[i] = float64(i) * 0.1
	}
	for _, mode := range []Resampling{Nearest, Bilinear} {
		w := testWCS(t, skyproj.CAR)
		tc, err := NewTestSourceCache(ref, w, w.Center, 5, 5, 2, mode)
		require.NoError(t, err)

		got, err := tc.Translate(w.Center)
		require.NoError(t, err)
		assert.Equal(t, ref, got, mode.String())
	}
}

func TestTranslateShiftsEveryPlane(t *testing.T) {
	w := testWCS(t, skyproj.CAR)
	tc, err := NewTestSourceCache(hotImage(), w, w.Center, 5, 5, 2, Nearest)
	require.NoError(t, err)

	// one pixel up
	got, err := tc.Translate(skyproj.NewDir(0, 1, skyproj.GAL))
	require.NoError(t, err)
	want := make([]float64, 50)
	want[17] = 1
	want[25+17] = 2
	assert.Equal(t, want, got)

	// longitude increases to the left
	got, err = tc.Translate(skyproj.NewDir(1, 0, skyproj.GAL))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got[11])
	assert.Equal(t, 2.0, got[25+11])

	// reference is untouched
	assert.Equal(t, hotImage(), tc.Reference())
}

func TestTranslateDropsPixelsOffTheMap(t *testing.T) {
	w := testWCS(t, skyproj.CAR)
	tc, err := NewTestSourceCache(hotImage(), w, w.Center, 5, 5, 2, Nearest)
	require.NoError(t, err)

	got, err := tc.Translate(skyproj.NewDir(0, 3, skyproj.GAL))
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 50), got)
}

func TestTranslateBilinear(t *testing.T) {
	w := testWCS(t, skyproj.CAR)
	tc, err := NewTestSourceCache(hotImage(), w, w.Center, 5, 5, 2, Bilinear)
	require.NoError(t, err)

	got, err := tc.Translate(skyproj.NewDir(0, 0.5, skyproj.GAL))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got[12], 1e-9)
	assert.InDelta(t, 0.5, got[17], 1e-9)
	assert.InDelta(t, 1.0, got[25+12], 1e-9)
	assert.InDelta(t, 1.0, got[25+17], 1e-9)
}

func TestTranslateProjectionError(t *testing.T) {
	w := testWCS(t, skyproj.TAN)
	tc, err := NewTestSourceCache(hotImage(), w, w.Center, 5, 5, 2, Nearest)
	require.NoError(t, err)

	_, err = tc.Translate(skyproj.NewDir(180, 0, skyproj.GAL))
	assert.True(t, errors.Is(err, skyproj.ErrProjection))
}

func TestNewTestSourceCacheValidates(t *testing.T) {
	w := testWCS(t, skyproj.CAR)
	_, err := NewTestSourceCache(make([]float64, 10), w, w.Center, 5, 5, 2, Nearest)
	assert.True(t, errors.Is(err, ErrIndex))
	_, err = NewTestSourceCache(nil, w, w.Center, 0, 5, 2, Nearest)
	assert.Error(t, err)
}

func TestShiftTestSourceModel(t *testing.T) {
	w := testWCS(t, skyproj.CAR)
	tc, err := NewTestSourceCache(hotImage(), w, w.Center, 5, 5, 2, Nearest)
	require.NoError(t, err)

	counts := make([]float64, 50)
	counts[17] = 5
	counts[25+17] = 9
	flat := make([]float64, 50)
	for i := range flat {
		flat[i] = 0.01
	}
	c := newCache(t, newBaseline(counts, 25, likelihood.Component{Name: "bkg", Model: flat}))

	require.NoError(t, c.ShiftTestSourceModel(tc, skyproj.NewDir(0, 1, skyproj.GAL)))
	require.NoError(t, c.AddTestSource(1))
	on, err := c.Fit(DefaultFitConfig())
	require.NoError(t, err)

	require.NoError(t, c.ShiftTestSourceModel(tc, w.Center))
	require.NoError(t, c.AddTestSource(1))
	off, err := c.Fit(DefaultFitConfig())
	require.NoError(t, err)

	assert.Greater(t, on, off)
}

func TestParseResampling(t *testing.T) {
	r, err := ParseResampling("bilinear")
	require.NoError(t, err)
	assert.Equal(t, Bilinear, r)
	r, err = ParseResampling("")
	require.NoError(t, err)
	assert.Equal(t, Nearest, r)
	_, err = ParseResampling("cubic")
	assert.Error(t, err)
}
