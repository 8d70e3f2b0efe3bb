package likelihood

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cwbudde/tscube/internal/skyproj"
)

// SimConfig describes a synthetic region of interest.
type SimConfig struct {
	Proj    skyproj.ProjType
	Center  skyproj.Dir
	NX, NY  int
	BinSize float64 // degrees

	EMin, EMax float64 // MeV
	NumEnergy  int     // log-spaced bins

	PSF      PSF
	Exposure float64

	// Isotropic is the expected background counts per pixel per energy bin
	// at the pivot energy, falling as E^-IsoIndex.
	Isotropic float64
	IsoIndex  float64
	// Gradient adds a background linear in latitude offset, as a fraction
	// of Isotropic per degree.
	Gradient float64

	// Background point sources, kept in the region model.
	Sources []TestSource
	// Injected sources are added to the counts only.
	Injected []TestSource

	Seed uint64
}

// DefaultSimConfig returns a small 2-degree field with isotropic and
// gradient backgrounds and three energy bins.
func DefaultSimConfig() SimConfig {
	center := skyproj.NewDir(83.63, 22.01, skyproj.CEL)
	return SimConfig{
		Proj:      skyproj.CAR,
		Center:    center,
		NX:        20,
		NY:        20,
		BinSize:   0.1,
		EMin:      1000,
		EMax:      100000,
		NumEnergy: 3,
		PSF:       DefaultPSF(),
		Exposure:  3e11,
		Isotropic: 0.5,
		IsoIndex:  2.4,
		Gradient:  0.1,
		Seed:      1,
	}
}

// LogEdges returns n+1 logarithmically spaced edges between lo and hi.
func LogEdges(lo, hi float64, n int) []float64 {
	edges := make([]float64, n+1)
	floats.LogSpan(edges, lo, hi)
	return edges
}

// Simulate builds a region of interest with Poisson counts drawn from the
// configured model plus any injected sources.
func Simulate(cfg SimConfig) (*Cube, error) {
	if cfg.NumEnergy < 1 {
		return nil, fmt.Errorf("need at least one energy bin")
	}
	if !(cfg.EMin > 0 && cfg.EMax > cfg.EMin) {
		return nil, fmt.Errorf("invalid energy range [%g, %g]", cfg.EMin, cfg.EMax)
	}
	wcs, err := skyproj.NewWCS(cfg.Proj, cfg.Center, cfg.NX, cfg.NY, cfg.BinSize)
	if err != nil {
		return nil, err
	}

	cube := &Cube{
		WCS:      wcs,
		Edges:    LogEdges(cfg.EMin, cfg.EMax, cfg.NumEnergy),
		PSF:      cfg.PSF,
		Exposure: cfg.Exposure,
	}
	npix := cube.NumPixels()
	n := npix * cfg.NumEnergy

	iso := make([]float64, n)
	grad := make([]float64, n)
	for k := 0; k < cfg.NumEnergy; k++ {
		e := math.Sqrt(cube.Edges[k] * cube.Edges[k+1])
		level := cfg.Isotropic * math.Pow(e/PivotEnergy, -cfg.IsoIndex)
		for y := 0; y < cfg.NY; y++ {
			dy := (float64(y) - wcs.CRPixY) * wcs.CDeltY
			for x := 0; x < cfg.NX; x++ {
				i := k*npix + y*cfg.NX + x
				iso[i] = level
				grad[i] = level * math.Max(0, 1+cfg.Gradient*dy)
			}
		}
	}
	cube.Sources = append(cube.Sources,
		Component{Name: "isodiff", Model: iso, Free: true, Scale: 1},
	)
	if cfg.Gradient != 0 {
		cube.Sources = append(cube.Sources,
			Component{Name: "galdiff", Model: grad, Free: true, Scale: 1},
		)
	}
	for _, src := range cfg.Sources {
		img, err := cube.SourceModel(src)
		if err != nil {
			return nil, err
		}
		cube.Sources = append(cube.Sources, Component{Name: src.Name, Model: img, Free: true, Scale: 1})
	}

	expected := make([]float64, n)
	for _, s := range cube.Sources {
		floats.AddScaled(expected, s.Scale, s.Model)
	}
	for _, src := range cfg.Injected {
		img, err := cube.SourceModel(src)
		if err != nil {
			return nil, err
		}
		floats.Add(expected, img)
	}

	cube.Data = SamplePoisson(expected, cfg.Seed)
	return cube, nil
}

// SamplePoisson draws one Poisson realization of the expected counts.
func SamplePoisson(expected []float64, seed uint64) []float64 {
	src := rand.NewSource(seed)
	out := make([]float64, len(expected))
	for i, mu := range expected {
		if mu <= 0 {
			continue
		}
		out[i] = distuv.Poisson{Lambda: mu, Src: src}.Rand()
	}
	return out
}
