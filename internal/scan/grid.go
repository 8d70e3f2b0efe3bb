package scan

import (
	"fmt"
	"math"

	"github.com/soniakeys/unit"

	"github.com/cwbudde/tscube/internal/hist"
	"github.com/cwbudde/tscube/internal/skyproj"
)

// Grid is the set of test source positions a scan visits, in the order of
// the pixel axes of its output histograms.
type Grid interface {
	// Len returns the number of positions.
	Len() int
	// Dir returns position i.
	Dir(i int) (skyproj.Dir, error)
	// Axes returns the pixel axes of the output histograms.
	Axes() []hist.Axis
	// Center returns the direction the test source image is built at.
	Center() skyproj.Dir
}

// WCSGrid visits the pixel centres of a rectangular map.
type WCSGrid struct {
	wcs *skyproj.WCS
}

// NewWCSGrid returns the nx by ny pixel centres of proj around its
// reference pixel. The grid pixels coincide with the map pixels when nx and
// ny have the parity of the map dimensions.
func NewWCSGrid(proj *skyproj.WCS, nx, ny int) (*WCSGrid, error) {
	if proj == nil {
		return nil, fmt.Errorf("nil projection")
	}
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid grid size %dx%d", nx, ny)
	}
	w := *proj
	w.NX, w.NY = nx, ny
	w.CRPixX = proj.CRPixX - (float64(proj.NX)-float64(nx))/2
	w.CRPixY = proj.CRPixY - (float64(proj.NY)-float64(ny))/2
	return &WCSGrid{wcs: &w}, nil
}

// WCS returns the projection of the grid itself, for writing maps.
func (g *WCSGrid) WCS() *skyproj.WCS { return g.wcs }

// Len implements Grid.
func (g *WCSGrid) Len() int { return g.wcs.NX * g.wcs.NY }

// Dir implements Grid. Position i is pixel (i mod nx, i / nx).
func (g *WCSGrid) Dir(i int) (skyproj.Dir, error) {
	if i < 0 || i >= g.Len() {
		return skyproj.Dir{}, fmt.Errorf("grid index %d out of range [0, %d)", i, g.Len())
	}
	return g.wcs.PixToSky(float64(i%g.wcs.NX), float64(i/g.wcs.NX))
}

// Axes implements Grid.
func (g *WCSGrid) Axes() []hist.Axis {
	return []hist.Axis{{Name: "x", Size: g.wcs.NX}, {Name: "y", Size: g.wcs.NY}}
}

// Center implements Grid.
func (g *WCSGrid) Center() skyproj.Dir { return g.wcs.Center }

// DirGrid visits an explicit list of directions, for example the centres
// of HEALPix pixels chosen by the caller.
type DirGrid struct {
	dirs   []skyproj.Dir
	center skyproj.Dir
}

// NewDirGrid copies dirs. The centre is the normalized mean of the
// directions, in the coordinate system of the first one.
func NewDirGrid(dirs []skyproj.Dir) (*DirGrid, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("empty direction list")
	}
	sys := dirs[0].Sys
	var sx, sy, sz float64
	for _, d := range dirs {
		d = d.In(sys)
		sl, cl := d.Lon.Sincos()
		sb, cb := d.Lat.Sincos()
		sx += cb * cl
		sy += cb * sl
		sz += sb
	}
	r := math.Hypot(sx, sy)
	if r == 0 && sz == 0 {
		return nil, fmt.Errorf("directions have no mean")
	}
	center := skyproj.Dir{
		Lon: unit.Angle(math.Atan2(sy, sx)),
		Lat: unit.Angle(math.Atan2(sz, r)),
		Sys: sys,
	}
	return &DirGrid{dirs: append([]skyproj.Dir(nil), dirs...), center: center}, nil
}

// Len implements Grid.
func (g *DirGrid) Len() int { return len(g.dirs) }

// Dir implements Grid.
func (g *DirGrid) Dir(i int) (skyproj.Dir, error) {
	if i < 0 || i >= len(g.dirs) {
		return skyproj.Dir{}, fmt.Errorf("grid index %d out of range [0, %d)", i, len(g.dirs))
	}
	return g.dirs[i], nil
}

// Axes implements Grid.
func (g *DirGrid) Axes() []hist.Axis {
	return []hist.Axis{{Name: "pixel", Size: len(g.dirs)}}
}

// Center implements Grid.
func (g *DirGrid) Center() skyproj.Dir { return g.center }
