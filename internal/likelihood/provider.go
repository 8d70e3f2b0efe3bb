// Package likelihood defines the binned-likelihood data a scan works on:
// the observed counts cube, the per-source predicted-counts images of the
// region-of-interest model, and a way to build the image of a single source.
package likelihood

import (
	"fmt"
	"math"

	"github.com/cwbudde/tscube/internal/skyproj"
)

// Component is one source's predicted-counts vector over the counts index
// space (energy-major: index = k*nPix + pix).
type Component struct {
	Name string
	// Model is the predicted counts at the source's reference normalization.
	Model []float64
	// Free marks sources whose normalization may be fitted.
	Free bool
	// Scale is the starting scale factor relative to Model, 1 by default.
	Scale float64
}

// TestSource describes the source being scanned. Only its normalization is
// fitted; Index is used when its image is built.
type TestSource struct {
	Name  string
	Dir   skyproj.Dir
	Index float64 // photon index of the power-law spectrum, positive
	Norm  float64 // reference normalization of the image
}

// Provider is the binned-likelihood collaborator consumed by the scanner.
type Provider interface {
	// Counts returns the observed counts, length NumEnergyBins()*NumPixels().
	Counts() []float64
	// Components returns the sources of the region model, test source excluded.
	Components() []Component
	// EnergyEdges returns NumEnergyBins()+1 increasing bin edges in MeV.
	EnergyEdges() []float64
	// NumPixels returns the number of spatial pixels per energy plane.
	NumPixels() int
	// Shape returns the spatial map dimensions.
	Shape() (nx, ny int)
	// Projection returns the projection used to bin the counts.
	Projection() skyproj.Projection
	// SourceModel builds the predicted-counts image of src.
	SourceModel(src TestSource) ([]float64, error)
}

// Baseline is the read-only snapshot of a provider taken once per scan.
// Every fit cache built from it shares these slices and never writes to them.
type Baseline struct {
	Counts      []float64
	Components  []Component
	EnergyEdges []float64
	NumEnergies int
	NumPixels   int
}

// Extract copies out and validates the baseline data of a provider.
// Any error here is fatal for a scan.
func Extract(p Provider) (*Baseline, error) {
	npix := p.NumPixels()
	edges := p.EnergyEdges()
	if npix <= 0 {
		return nil, fmt.Errorf("invalid pixel count %d", npix)
	}
	if len(edges) < 2 {
		return nil, fmt.Errorf("need at least one energy bin, got %d edges", len(edges))
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return nil, fmt.Errorf("energy edges not increasing at %d", i)
		}
	}
	nebins := len(edges) - 1
	n := nebins * npix

	counts := p.Counts()
	if len(counts) != n {
		return nil, fmt.Errorf("counts length %d does not match %d energy bins x %d pixels", len(counts), nebins, npix)
	}
	for i, c := range counts {
		if c < 0 || math.IsNaN(c) {
			return nil, fmt.Errorf("invalid counts value %g at bin %d", c, i)
		}
	}

	comps := p.Components()
	if len(comps) == 0 {
		return nil, fmt.Errorf("region model has no sources")
	}
	seen := make(map[string]bool, len(comps))
	out := make([]Component, len(comps))
	for i, c := range comps {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate source name %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Model) != n {
			return nil, fmt.Errorf("model of %q has length %d, expected %d", c.Name, len(c.Model), n)
		}
		for j, v := range c.Model {
			if v < 0 || math.IsNaN(v) {
				return nil, fmt.Errorf("model of %q has invalid value %g at bin %d", c.Name, v, j)
			}
		}
		if c.Scale == 0 {
			c.Scale = 1
		}
		out[i] = c
	}

	return &Baseline{
		Counts:      counts,
		Components:  out,
		EnergyEdges: append([]float64(nil), edges...),
		NumEnergies: nebins,
		NumPixels:   npix,
	}, nil
}

// FreeMask returns which baseline components are free.
func (b *Baseline) FreeMask() []bool {
	m := make([]bool, len(b.Components))
	for i, c := range b.Components {
		m[i] = c.Free
	}
	return m
}

// Scales returns the starting scale factors of the baseline components.
func (b *Baseline) Scales() []float64 {
	s := make([]float64, len(b.Components))
	for i, c := range b.Components {
		s[i] = c.Scale
	}
	return s
}

// Names returns the component names in order.
func (b *Baseline) Names() []string {
	s := make([]string, len(b.Components))
	for i, c := range b.Components {
		s[i] = c.Name
	}
	return s
}
