package skyproj

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWCSCenterMapsToReferencePixel(t *testing.T) {
	for _, proj := range []ProjType{CAR, TAN} {
		t.Run(string(proj), func(t *testing.T) {
			center := NewDir(83.63, 22.01, CEL)
			w, err := NewWCS(proj, center, 21, 11, 0.1)
			require.NoError(t, err)

			x, y, err := w.SkyToPix(center)
			require.NoError(t, err)
			assert.InDelta(t, 10.0, x, 1e-9)
			assert.InDelta(t, 5.0, y, 1e-9)
		})
	}
}

func TestWCSRoundTrip(t *testing.T) {
	for _, proj := range []ProjType{CAR, TAN} {
		t.Run(string(proj), func(t *testing.T) {
			w, err := NewWCS(proj, NewDir(120, -30, GAL), 40, 40, 0.25)
			require.NoError(t, err)

			for _, p := range [][2]float64{{0, 0}, {12.5, 3}, {39, 39}, {19.5, 19.5}} {
				d, err := w.PixToSky(p[0], p[1])
				require.NoError(t, err)
				x, y, err := w.SkyToPix(d)
				require.NoError(t, err)
				assert.InDelta(t, p[0], x, 1e-7)
				assert.InDelta(t, p[1], y, 1e-7)
			}
		})
	}
}

func TestWCSLongitudeIncreasesLeftward(t *testing.T) {
	w, err := NewWCS(CAR, NewDir(10, 0, GAL), 11, 11, 1)
	require.NoError(t, err)

	x, _, err := w.SkyToPix(NewDir(11, 0, GAL))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, x, 1e-9)
}

func TestTANFarSideIsProjectionError(t *testing.T) {
	w, err := NewWCS(TAN, NewDir(0, 0, CEL), 10, 10, 0.1)
	require.NoError(t, err)

	_, _, err = w.SkyToPix(NewDir(180, 0, CEL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProjection))
}

func TestNewWCSRejectsBadInput(t *testing.T) {
	_, err := NewWCS("AIT", NewDir(0, 0, CEL), 10, 10, 0.1)
	assert.Error(t, err)
	_, err = NewWCS(CAR, NewDir(0, 0, CEL), 0, 10, 0.1)
	assert.Error(t, err)
	_, err = NewWCS(CAR, NewDir(0, 0, CEL), 10, 10, 0)
	assert.Error(t, err)
}

func TestGalacticRoundTrip(t *testing.T) {
	crab := NewDir(83.633, 22.0145, CEL)

	gal := crab.In(GAL)
	assert.Equal(t, GAL, gal.Sys)
	// Crab nebula: l = 184.557, b = -5.784
	assert.InDelta(t, 184.557, gal.LonDeg(), 0.05)
	assert.InDelta(t, -5.784, gal.LatDeg(), 0.05)

	back := gal.In(CEL)
	assert.InDelta(t, crab.LonDeg(), back.LonDeg(), 1e-5)
	assert.InDelta(t, crab.LatDeg(), back.LatDeg(), 1e-5)
}

func TestSeparation(t *testing.T) {
	a := NewDir(10, 0, CEL)
	b := NewDir(11, 0, CEL)
	assert.InDelta(t, 1.0, a.Separation(b).Deg(), 1e-9)
	assert.InDelta(t, 0.0, a.Separation(a).Deg(), 1e-6)
}

func TestParseCoordSys(t *testing.T) {
	s, err := ParseCoordSys("GAL")
	require.NoError(t, err)
	assert.Equal(t, GAL, s)

	_, err = ParseCoordSys("ECL")
	assert.Error(t, err)
}

func TestWrap180(t *testing.T) {
	assert.InDelta(t, -1.0, wrap180(359), 1e-12)
	assert.InDelta(t, 1.0, wrap180(-359), 1e-12)
	assert.InDelta(t, 0.0, wrap180(0), 1e-12)
	assert.False(t, math.IsNaN(wrap180(720)))
}
