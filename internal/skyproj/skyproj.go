// Package skyproj maps sky directions to image pixels and back.
//
// Directions carry their coordinate system. Conversion between celestial
// (J2000 equatorial) and galactic coordinates goes through the B1950 frame
// that the galactic pole is defined in, using the meeus algorithms.
package skyproj

import (
	"fmt"
	"math"

	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/meeus/v3/precess"
	"github.com/soniakeys/unit"
)

// CoordSys identifies a sky coordinate system.
type CoordSys string

const (
	CEL CoordSys = "CEL"
	GAL CoordSys = "GAL"
)

// ParseCoordSys accepts "CEL" or "GAL" (case sensitive, as in FITS headers).
func ParseCoordSys(s string) (CoordSys, error) {
	switch CoordSys(s) {
	case CEL, GAL:
		return CoordSys(s), nil
	}
	return "", fmt.Errorf("invalid coordinate system: %q", s)
}

// Julian epochs of the equinoxes involved in CEL <-> GAL conversion.
const (
	epochJ2000 = 2000.0
	epochB1950 = 1949.9997904423
)

// Dir is a direction on the sky.
type Dir struct {
	Lon unit.Angle
	Lat unit.Angle
	Sys CoordSys
}

// NewDir builds a direction from degrees.
func NewDir(lonDeg, latDeg float64, sys CoordSys) Dir {
	return Dir{Lon: unit.AngleFromDeg(lonDeg), Lat: unit.AngleFromDeg(latDeg), Sys: sys}
}

// LonDeg returns the longitude in degrees, wrapped to [0, 360).
func (d Dir) LonDeg() float64 {
	l := math.Mod(d.Lon.Deg(), 360)
	if l < 0 {
		l += 360
	}
	return l
}

// LatDeg returns the latitude in degrees.
func (d Dir) LatDeg() float64 { return d.Lat.Deg() }

// In returns the direction expressed in the given coordinate system.
func (d Dir) In(sys CoordSys) Dir {
	if d.Sys == sys || sys == "" {
		return d
	}
	switch {
	case d.Sys == CEL && sys == GAL:
		j2000 := &coord.Equatorial{RA: unit.RAFromDeg(d.Lon.Deg()), Dec: d.Lat}
		b1950 := precess.Position(j2000, &coord.Equatorial{}, epochJ2000, epochB1950, 0, 0)
		l, b := coord.EqToGal(b1950.RA, b1950.Dec)
		return Dir{Lon: l, Lat: b, Sys: GAL}
	case d.Sys == GAL && sys == CEL:
		ra, dec := coord.GalToEq(d.Lon, d.Lat)
		b1950 := &coord.Equatorial{RA: ra, Dec: dec}
		j2000 := precess.Position(b1950, &coord.Equatorial{}, epochB1950, epochJ2000, 0, 0)
		return Dir{Lon: unit.Angle(j2000.RA), Lat: j2000.Dec, Sys: CEL}
	}
	return d
}

// Separation returns the great-circle angle between two directions.
func (d Dir) Separation(o Dir) unit.Angle {
	o = o.In(d.Sys)
	s1, c1 := d.Lat.Sincos()
	s2, c2 := o.Lat.Sincos()
	cd := math.Cos(d.Lon.Rad() - o.Lon.Rad())
	// haversine-free form is fine at the separations used in a ROI
	v := s1*s2 + c1*c2*cd
	return unit.Angle(math.Acos(math.Max(-1, math.Min(1, v))))
}

func (d Dir) String() string {
	return fmt.Sprintf("%s(%.4f, %.4f)", d.Sys, d.LonDeg(), d.LatDeg())
}

// Projection maps directions to continuous, zero-based pixel coordinates.
// Pixel (0, 0) is the centre of the first image pixel.
type Projection interface {
	SkyToPix(d Dir) (x, y float64, err error)
	PixToSky(x, y float64) (Dir, error)
	Sys() CoordSys
}

// ErrProjection matches any *ProjectionError with errors.Is.
var ErrProjection = &ProjectionError{}

// ProjectionError reports a direction or pixel that cannot be mapped.
type ProjectionError struct {
	Lon, Lat float64
	Reason   string
}

func (e *ProjectionError) Error() string {
	if e.Reason == "" {
		return "projection error"
	}
	return fmt.Sprintf("projection error at (%.4f, %.4f): %s", e.Lon, e.Lat, e.Reason)
}

func (e *ProjectionError) Is(target error) bool {
	_, ok := target.(*ProjectionError)
	return ok
}
