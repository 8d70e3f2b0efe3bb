package fit

import (
	"fmt"
	"math"

	"github.com/cwbudde/tscube/internal/skyproj"
)

// Resampling selects how translated images are resampled.
type Resampling int

const (
	// Nearest shifts by the offset rounded to whole pixels.
	Nearest Resampling = iota
	// Bilinear interpolates between the four neighbouring source pixels.
	Bilinear
)

// String returns the resampling name used in configuration.
func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	}
	return fmt.Sprintf("Resampling(%d)", int(r))
}

// ParseResampling parses a resampling name.
func ParseResampling(s string) (Resampling, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	}
	return Nearest, fmt.Errorf("unknown resampling %q", s)
}

// TestSourceCache holds one model image of the test source computed at a
// reference direction and produces shifted copies for nearby directions.
// Shifting ignores projection distortion, so accuracy falls with distance
// from the reference direction.
type TestSourceCache struct {
	ref        []float64 // energy-major, never modified
	proj       skyproj.Projection
	refDir     skyproj.Dir
	refX, refY float64
	nx, ny, ne int
	mode       Resampling
}

// NewTestSourceCache captures a reference image of nx*ny*ne values built
// for a source at refDir.
func NewTestSourceCache(ref []float64, proj skyproj.Projection, refDir skyproj.Dir, nx, ny, ne int, mode Resampling) (*TestSourceCache, error) {
	if nx <= 0 || ny <= 0 || ne <= 0 {
		return nil, fmt.Errorf("invalid image shape %dx%dx%d", nx, ny, ne)
	}
	if len(ref) != nx*ny*ne {
		return nil, &IndexError{What: "reference image", Index: len(ref), Len: nx * ny * ne, Length: true}
	}
	x, y, err := proj.SkyToPix(refDir)
	if err != nil {
		return nil, fmt.Errorf("failed to project reference direction: %w", err)
	}
	return &TestSourceCache{
		ref:    append([]float64(nil), ref...),
		proj:   proj,
		refDir: refDir,
		refX:   x,
		refY:   y,
		nx:     nx,
		ny:     ny,
		ne:     ne,
		mode:   mode,
	}, nil
}

// Reference returns a copy of the reference image.
func (tc *TestSourceCache) Reference() []float64 { return append([]float64(nil), tc.ref...) }

// RefPixel returns the pixel coordinates of the reference direction.
func (tc *TestSourceCache) RefPixel() (float64, float64) { return tc.refX, tc.refY }

// RefDir returns the reference direction.
func (tc *TestSourceCache) RefDir() skyproj.Dir { return tc.refDir }

// Offset returns the pixel offset of dir from the reference direction.
func (tc *TestSourceCache) Offset(dir skyproj.Dir) (float64, float64, error) {
	x, y, err := tc.proj.SkyToPix(dir)
	if err != nil {
		return 0, 0, err
	}
	return x - tc.refX, y - tc.refY, nil
}

// Translate returns a new image with every energy plane of the reference
// shifted to dir. Pixels moved off the map are dropped and uncovered pixels
// are zero.
func (tc *TestSourceCache) Translate(dir skyproj.Dir) ([]float64, error) {
	dx, dy, err := tc.Offset(dir)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(tc.ref))
	if dx == 0 && dy == 0 {
		copy(out, tc.ref)
		return out, nil
	}

	npix := tc.nx * tc.ny
	for k := 0; k < tc.ne; k++ {
		src := tc.ref[k*npix : (k+1)*npix]
		dst := out[k*npix : (k+1)*npix]
		switch tc.mode {
		case Bilinear:
			tc.shiftBilinear(src, dst, dx, dy)
		default:
			tc.shiftNearest(src, dst, int(math.Round(dx)), int(math.Round(dy)))
		}
	}
	return out, nil
}

func (tc *TestSourceCache) shiftNearest(src, dst []float64, dx, dy int) {
	for y := 0; y < tc.ny; y++ {
		sy := y - dy
		if sy < 0 || sy >= tc.ny {
			continue
		}
		for x := 0; x < tc.nx; x++ {
			sx := x - dx
			if sx < 0 || sx >= tc.nx {
				continue
			}
			dst[y*tc.nx+x] = src[sy*tc.nx+sx]
		}
	}
}

func (tc *TestSourceCache) shiftBilinear(src, dst []float64, dx, dy float64) {
	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= tc.nx || y >= tc.ny {
			return 0
		}
		return src[y*tc.nx+x]
	}
	for y := 0; y < tc.ny; y++ {
		fy := float64(y) - dy
		y0 := int(math.Floor(fy))
		ty := fy - float64(y0)
		for x := 0; x < tc.nx; x++ {
			fx := float64(x) - dx
			x0 := int(math.Floor(fx))
			tx := fx - float64(x0)
			dst[y*tc.nx+x] = (1-ty)*((1-tx)*at(x0, y0)+tx*at(x0+1, y0)) +
				ty*((1-tx)*at(x0, y0+1)+tx*at(x0+1, y0+1))
		}
	}
}
