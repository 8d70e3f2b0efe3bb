package likelihood

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/cwbudde/tscube/internal/skyproj"
)

// ROI FITS layout:
//
//	primary   counts cube (NAXIS1=nx, NAXIS2=ny, NAXIS3=nEnergy) with WCS keywords
//	ENERGIES  1D image of nEnergy+1 bin edges in MeV
//	<name>    one 3D model image per source, FREE and SCALE keywords
const energiesExt = "ENERGIES"

// LoadCube reads a region of interest from a FITS file.
func LoadCube(path string) (*Cube, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ROI file: %w", err)
	}
	defer f.Close()

	cube, err := ReadCube(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read ROI file %s: %w", path, err)
	}
	slog.Info("Loaded ROI", "path", path, "sources", len(cube.Sources), "energy_bins", cube.NumEnergyBins(), "pixels", cube.NumPixels())
	return cube, nil
}

// ReadCube decodes a region of interest in the layout written by WriteCube.
func ReadCube(r io.Reader) (*Cube, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FITS: %w", err)
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("no HDUs")
	}

	primary, ok := hdus[0].(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := primary.Header()
	axes := hdr.Axes()
	if len(axes) != 3 {
		return nil, fmt.Errorf("counts cube must have 3 axes, got %d", len(axes))
	}
	wcs, err := WCSFromHeader(hdr, axes[0], axes[1])
	if err != nil {
		return nil, err
	}
	counts := make([]float64, axesLen(axes))
	if err := primary.Read(&counts); err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}

	cube := &Cube{
		WCS:      wcs,
		Data:     counts,
		PSF:      DefaultPSF(),
		Exposure: CardFloat(hdr, "EXPOSURE", 3e11),
	}
	cube.PSF.Sigma0 = CardFloat(hdr, "PSFSIG0", cube.PSF.Sigma0)
	cube.PSF.RefEnergy = CardFloat(hdr, "PSFEREF", cube.PSF.RefEnergy)
	cube.PSF.Slope = CardFloat(hdr, "PSFSLOPE", cube.PSF.Slope)
	cube.PSF.MinSigma = CardFloat(hdr, "PSFMIN", cube.PSF.MinSigma)

	for _, hdu := range hdus[1:] {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		data := make([]float64, axesLen(hdu.Header().Axes()))
		if err := img.Read(&data); err != nil {
			return nil, fmt.Errorf("failed to read extension %q: %w", hdu.Name(), err)
		}
		if hdu.Name() == energiesExt {
			cube.Edges = data
			continue
		}
		h := hdu.Header()
		cube.Sources = append(cube.Sources, Component{
			Name:  hdu.Name(),
			Model: data,
			Free:  CardBool(h, "FREE", true),
			Scale: CardFloat(h, "SCALE", 1),
		})
	}

	if err := cube.Validate(); err != nil {
		return nil, err
	}
	return cube, nil
}

// SaveCube writes a region of interest to a FITS file.
func SaveCube(path string, c *Cube) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create ROI file: %w", err)
	}
	if err := WriteCube(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCube encodes a region of interest as FITS.
func WriteCube(w io.Writer, c *Cube) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to create FITS stream: %w", err)
	}
	defer f.Close()

	nx, ny := c.Shape()
	cube := []int{nx, ny, c.NumEnergyBins()}

	cards := append(WCSCards(c.WCS),
		fitsio.Card{Name: "EXPOSURE", Value: c.Exposure, Comment: "cm2 s"},
		fitsio.Card{Name: "PSFSIG0", Value: c.PSF.Sigma0, Comment: "PSF sigma at PSFEREF [deg]"},
		fitsio.Card{Name: "PSFEREF", Value: c.PSF.RefEnergy, Comment: "PSF reference energy [MeV]"},
		fitsio.Card{Name: "PSFSLOPE", Value: c.PSF.Slope},
		fitsio.Card{Name: "PSFMIN", Value: c.PSF.MinSigma, Comment: "minimum PSF sigma [deg]"},
	)
	if err := writeImage(f, "", cube, c.Data, cards...); err != nil {
		return fmt.Errorf("failed to write counts: %w", err)
	}
	if err := writeImage(f, energiesExt, []int{len(c.Edges)}, c.Edges); err != nil {
		return fmt.Errorf("failed to write energies: %w", err)
	}
	for _, s := range c.Sources {
		err := writeImage(f, s.Name, cube, s.Model,
			fitsio.Card{Name: "FREE", Value: s.Free},
			fitsio.Card{Name: "SCALE", Value: s.Scale},
		)
		if err != nil {
			return fmt.Errorf("failed to write source %q: %w", s.Name, err)
		}
	}
	return nil
}

// writeImage appends a float64 image HDU. An empty name marks the primary HDU.
func writeImage(f *fitsio.File, name string, axes []int, data []float64, cards ...fitsio.Card) error {
	img := fitsio.NewImage(-64, axes)
	defer img.Close()

	if name != "" {
		cards = append([]fitsio.Card{{Name: "EXTNAME", Value: name}}, cards...)
	}
	if len(cards) > 0 {
		if err := img.Header().Append(cards...); err != nil {
			return err
		}
	}
	if err := img.Write(&data); err != nil {
		return err
	}
	return f.Write(img)
}

// WCSCards returns the FITS WCS keywords describing a projection.
func WCSCards(w *skyproj.WCS) []fitsio.Card {
	lon, lat := "RA---", "DEC--"
	if w.Sys() == skyproj.GAL {
		lon, lat = "GLON-", "GLAT-"
	}
	return []fitsio.Card{
		{Name: "CTYPE1", Value: lon + string(w.Type)},
		{Name: "CTYPE2", Value: lat + string(w.Type)},
		{Name: "CRVAL1", Value: w.Center.LonDeg()},
		{Name: "CRVAL2", Value: w.Center.LatDeg()},
		{Name: "CRPIX1", Value: w.CRPixX + 1},
		{Name: "CRPIX2", Value: w.CRPixY + 1},
		{Name: "CDELT1", Value: w.CDeltX},
		{Name: "CDELT2", Value: w.CDeltY},
	}
}

// WCSFromHeader rebuilds the projection of an nx by ny image from its WCS
// keywords.
func WCSFromHeader(hdr *fitsio.Header, nx, ny int) (*skyproj.WCS, error) {
	ctype := CardString(hdr, "CTYPE1", "")
	if len(ctype) < 8 {
		return nil, fmt.Errorf("missing or malformed CTYPE1 %q", ctype)
	}
	sys := skyproj.CEL
	if strings.HasPrefix(ctype, "GLON") {
		sys = skyproj.GAL
	}
	proj := skyproj.ProjType(strings.TrimSpace(ctype[5:]))
	center := skyproj.NewDir(CardFloat(hdr, "CRVAL1", 0), CardFloat(hdr, "CRVAL2", 0), sys)

	cdelt := CardFloat(hdr, "CDELT2", 0)
	w, err := skyproj.NewWCS(proj, center, nx, ny, cdelt)
	if err != nil {
		return nil, err
	}
	w.CRPixX = CardFloat(hdr, "CRPIX1", w.CRPixX+1) - 1
	w.CRPixY = CardFloat(hdr, "CRPIX2", w.CRPixY+1) - 1
	w.CDeltX = CardFloat(hdr, "CDELT1", w.CDeltX)
	return w, nil
}

// CardFloat returns a numeric header value, or def when it is missing.
func CardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// CardBool returns a logical header value, or def when it is missing.
func CardBool(hdr *fitsio.Header, name string, def bool) bool {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	if v, ok := card.Value.(bool); ok {
		return v
	}
	return def
}

// CardString returns a string header value, or def when it is missing.
func CardString(hdr *fitsio.Header, name, def string) string {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	if v, ok := card.Value.(string); ok {
		return v
	}
	return def
}

// axesLen is the number of pixels in an image with the given NAXISn sizes.
// fitsio fills a pre-sized slice, it does not grow one.
func axesLen(axes []int) int {
	if len(axes) == 0 {
		return 0
	}
	n := 1
	for _, a := range axes {
		n *= a
	}
	return n
}
