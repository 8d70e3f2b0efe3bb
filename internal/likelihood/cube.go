package likelihood

import (
	"fmt"
	"math"
	"sync"

	"github.com/cwbudde/tscube/internal/skyproj"
)

// PivotEnergy is the energy, in MeV, at which source normalizations are quoted.
const PivotEnergy = 1000.0

// oversample is the number of sub-pixels per axis used to integrate the PSF.
const oversample = 3

// Cube is an in-memory binned region of interest: a counts cube on a WCS map
// plus the predicted-counts images of the region model. It implements Provider.
type Cube struct {
	WCS      *skyproj.WCS
	Edges    []float64 // MeV, len = nEnergy+1
	Data     []float64 // energy-major counts
	Sources  []Component
	PSF      PSF
	Exposure float64 // cm^2 s, constant over the map

	once    sync.Once
	pixDirs []skyproj.Dir
	pixErr  error
}

// Validate checks the cube dimensions against its projection and energy bins.
func (c *Cube) Validate() error {
	if c.WCS == nil {
		return fmt.Errorf("cube has no projection")
	}
	if len(c.Edges) < 2 {
		return fmt.Errorf("cube needs at least one energy bin")
	}
	n := c.NumPixels() * (len(c.Edges) - 1)
	if len(c.Data) != n {
		return fmt.Errorf("counts length %d, expected %d", len(c.Data), n)
	}
	for _, s := range c.Sources {
		if len(s.Model) != n {
			return fmt.Errorf("source %q model length %d, expected %d", s.Name, len(s.Model), n)
		}
	}
	if c.Exposure <= 0 {
		return fmt.Errorf("invalid exposure %g", c.Exposure)
	}
	return nil
}

// Counts implements Provider.
func (c *Cube) Counts() []float64 { return c.Data }

// Components implements Provider.
func (c *Cube) Components() []Component { return c.Sources }

// EnergyEdges implements Provider.
func (c *Cube) EnergyEdges() []float64 { return c.Edges }

// NumPixels implements Provider.
func (c *Cube) NumPixels() int { return c.WCS.NX * c.WCS.NY }

// NumEnergyBins returns the number of energy planes.
func (c *Cube) NumEnergyBins() int { return len(c.Edges) - 1 }

// Shape implements Provider.
func (c *Cube) Shape() (int, int) { return c.WCS.NX, c.WCS.NY }

// Projection implements Provider.
func (c *Cube) Projection() skyproj.Projection { return c.WCS }

// SourceModel implements Provider. It builds the predicted counts of a
// power-law point source seen through the cube's PSF.
func (c *Cube) SourceModel(src TestSource) ([]float64, error) {
	if src.Index <= 0 {
		return nil, fmt.Errorf("source %q: invalid spectral index %g", src.Name, src.Index)
	}
	if err := c.subPixelDirs(); err != nil {
		return nil, err
	}
	nx, ny := c.Shape()
	npix := nx * ny
	ne := c.NumEnergyBins()
	binsz := math.Abs(c.WCS.CDeltX)
	subArea := (binsz / oversample) * (binsz / oversample)

	dir := src.Dir.In(c.WCS.Sys())
	sep := make([]float64, len(c.pixDirs))
	for i, d := range c.pixDirs {
		sep[i] = dir.Separation(d).Deg()
	}

	out := make([]float64, ne*npix)
	for k := 0; k < ne; k++ {
		lo, hi := c.Edges[k], c.Edges[k+1]
		npred := src.Norm * c.Exposure * powerLawIntegral(lo, hi, src.Index, PivotEnergy)
		sigma := c.PSF.Sigma(math.Sqrt(lo * hi))
		norm := subArea / (2 * math.Pi * sigma * sigma)
		plane := out[k*npix : (k+1)*npix]
		for p := 0; p < npix; p++ {
			var w float64
			for s := 0; s < oversample*oversample; s++ {
				r := sep[p*oversample*oversample+s]
				w += math.Exp(-0.5 * r * r / (sigma * sigma))
			}
			plane[p] = npred * norm * w
		}
	}
	return out, nil
}

// subPixelDirs caches the sky direction of every sub-pixel, pixel-major.
func (c *Cube) subPixelDirs() error {
	c.once.Do(func() {
		nx, ny := c.Shape()
		c.pixDirs = make([]skyproj.Dir, 0, nx*ny*oversample*oversample)
		step := 1.0 / oversample
		off := -0.5 + step/2
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				for sy := 0; sy < oversample; sy++ {
					for sx := 0; sx < oversample; sx++ {
						d, err := c.WCS.PixToSky(float64(x)+off+float64(sx)*step, float64(y)+off+float64(sy)*step)
						if err != nil {
							c.pixErr = fmt.Errorf("failed to project pixel (%d, %d): %w", x, y, err)
							return
						}
						c.pixDirs = append(c.pixDirs, d)
					}
				}
			}
		}
	})
	return c.pixErr
}
