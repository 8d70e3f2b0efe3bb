package likelihood

import (
	"math"
)

// PSF is a Gaussian point-spread function whose width falls as a power of
// energy. It stands in for the full instrument response when building
// test-source images.
type PSF struct {
	Sigma0    float64 // degrees at RefEnergy
	RefEnergy float64 // MeV
	Slope     float64 // sigma ~ (E/RefEnergy)^-Slope
	MinSigma  float64 // degrees
}

// DefaultPSF returns a PSF with a LAT-like energy dependence.
func DefaultPSF() PSF {
	return PSF{
		Sigma0:    2.0,
		RefEnergy: 100,
		Slope:     0.8,
		MinSigma:  0.05,
	}
}

// Sigma returns the Gaussian width in degrees at energy e (MeV).
func (p PSF) Sigma(e float64) float64 {
	s := p.Sigma0 * math.Pow(e/p.RefEnergy, -p.Slope)
	return math.Max(s, p.MinSigma)
}

// powerLawIntegral integrates (E/e0)^-index over [lo, hi].
func powerLawIntegral(lo, hi, index, e0 float64) float64 {
	if math.Abs(index-1) < 1e-9 {
		return e0 * math.Log(hi/lo)
	}
	g := 1 - index
	return e0 / g * (math.Pow(hi/e0, g) - math.Pow(lo/e0, g))
}
