package skyproj

import (
	"fmt"
	"math"

	"github.com/soniakeys/unit"
)

// ProjType names a WCS projection.
type ProjType string

const (
	// CAR is a plate carree centred on the reference direction.
	CAR ProjType = "CAR"
	// TAN is the gnomonic projection.
	TAN ProjType = "TAN"
)

// WCS is a rectangular map projection in the style of a FITS WCS header,
// with zero-based reference pixel.
type WCS struct {
	Type   ProjType
	Center Dir     // CRVAL1/2
	CRPixX float64 // zero-based
	CRPixY float64
	CDeltX float64 // degrees per pixel, negative for longitude increasing to the left
	CDeltY float64
	NX, NY int
}

// NewWCS builds a projection of an nx by ny map with square pixels of binsz
// degrees, centred on center.
func NewWCS(proj ProjType, center Dir, nx, ny int, binsz float64) (*WCS, error) {
	if proj != CAR && proj != TAN {
		return nil, fmt.Errorf("unsupported projection: %q", proj)
	}
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid map size %dx%d", nx, ny)
	}
	if binsz <= 0 {
		return nil, fmt.Errorf("invalid pixel size %g", binsz)
	}
	if center.Sys == "" {
		center.Sys = CEL
	}
	return &WCS{
		Type:   proj,
		Center: center,
		CRPixX: float64(nx-1) / 2,
		CRPixY: float64(ny-1) / 2,
		CDeltX: -binsz,
		CDeltY: binsz,
		NX:     nx,
		NY:     ny,
	}, nil
}

// Sys returns the coordinate system of the map.
func (w *WCS) Sys() CoordSys { return w.Center.Sys }

// Contains reports whether the pixel coordinate falls on the map.
func (w *WCS) Contains(x, y float64) bool {
	return x > -0.5 && y > -0.5 && x < float64(w.NX)-0.5 && y < float64(w.NY)-0.5
}

// SkyToPix implements Projection.
func (w *WCS) SkyToPix(d Dir) (float64, float64, error) {
	d = d.In(w.Sys())
	var x, y float64
	switch w.Type {
	case CAR:
		x = wrap180(d.LonDeg() - w.Center.LonDeg())
		y = d.LatDeg() - w.Center.LatDeg()
	case TAN:
		var ok bool
		x, y, ok = gnomonic(w.Center, d)
		if !ok {
			return 0, 0, &ProjectionError{Lon: d.LonDeg(), Lat: d.LatDeg(), Reason: "direction is more than 90 degrees from the tangent point"}
		}
	}
	px := w.CRPixX + x/w.CDeltX
	py := w.CRPixY + y/w.CDeltY
	if math.IsNaN(px) || math.IsNaN(py) || math.IsInf(px, 0) || math.IsInf(py, 0) {
		return 0, 0, &ProjectionError{Lon: d.LonDeg(), Lat: d.LatDeg(), Reason: "non-finite pixel coordinate"}
	}
	return px, py, nil
}

// PixToSky implements Projection.
func (w *WCS) PixToSky(px, py float64) (Dir, error) {
	x := (px - w.CRPixX) * w.CDeltX
	y := (py - w.CRPixY) * w.CDeltY
	switch w.Type {
	case CAR:
		lat := w.Center.LatDeg() + y
		if lat < -90 || lat > 90 {
			return Dir{}, &ProjectionError{Lon: px, Lat: py, Reason: "pixel beyond the pole"}
		}
		return NewDir(w.Center.LonDeg()+x, lat, w.Sys()), nil
	default:
		return inverseGnomonic(w.Center, x, y), nil
	}
}

func wrap180(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}

// gnomonic returns the standard coordinates of d, in degrees, on the plane
// tangent at c.
func gnomonic(c, d Dir) (float64, float64, bool) {
	sd0, cd0 := c.Lat.Sincos()
	sd, cd := d.Lat.Sincos()
	sda, cda := math.Sincos(d.Lon.Rad() - c.Lon.Rad())
	cosc := sd0*sd + cd0*cd*cda
	if cosc <= 0 {
		return 0, 0, false
	}
	x := cd * sda / cosc
	y := (cd0*sd - sd0*cd*cda) / cosc
	return unit.Angle(x).Deg(), unit.Angle(y).Deg(), true
}

func inverseGnomonic(c Dir, xDeg, yDeg float64) Dir {
	x := unit.AngleFromDeg(xDeg).Rad()
	y := unit.AngleFromDeg(yDeg).Rad()
	rho := math.Hypot(x, y)
	if rho == 0 {
		return c
	}
	cc := math.Atan(rho)
	sc, ccos := math.Sincos(cc)
	sd0, cd0 := c.Lat.Sincos()
	lat := math.Asin(ccos*sd0 + y*sc*cd0/rho)
	lon := c.Lon.Rad() + math.Atan2(x*sc, rho*cd0*ccos-y*sd0*sc)
	return Dir{Lon: unit.Angle(lon), Lat: unit.Angle(lat), Sys: c.Sys}
}
