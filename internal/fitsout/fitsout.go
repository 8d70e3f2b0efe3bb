// Package fitsout writes scan results as FITS: one image per result
// histogram and an EBOUNDS table with the energy bins.
//
// Layout:
//
//	primary   TS_MAP with WCS keywords and the scan summary
//	<name>    one image per histogram, AXNAMEn naming its axes
//	EBOUNDS   binary table CHANNEL, E_MIN, E_MAX in MeV
package fitsout

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/cwbudde/tscube/internal/hist"
	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/scan"
)

const eboundsExt = "EBOUNDS"

// Write saves res to a FITS file at path.
func Write(path string, res *scan.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := Encode(f, res); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	slog.Info("Wrote scan results", "path", path, "hists", len(res.Hists))
	return nil
}

// Encode writes res as FITS to w.
func Encode(w io.Writer, res *scan.Results) error {
	ts := res.Hist(scan.HistTSMap)
	if ts == nil {
		return fmt.Errorf("results have no %s", scan.HistTSMap)
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to create FITS stream: %w", err)
	}
	defer f.Close()

	summary := []fitsio.Card{
		{Name: "TESTSRC", Value: res.TestSource, Comment: "test source name"},
		{Name: "NULLLIKE", Value: res.NullLogLike, Comment: "null hypothesis log-likelihood"},
		{Name: "REFLIKE", Value: res.RefLogLike, Comment: "log-likelihood of the input model"},
		{Name: "NPOINTS", Value: res.NumPoints},
		{Name: "NFAILED", Value: res.NumFailed},
	}
	if err := writeHist(f, ts, res, true, summary...); err != nil {
		return fmt.Errorf("failed to write %s: %w", ts.Name, err)
	}
	for _, h := range res.Hists {
		if h == ts {
			continue
		}
		if err := writeHist(f, h, res, false); err != nil {
			return fmt.Errorf("failed to write %s: %w", h.Name, err)
		}
	}
	if err := writeEBounds(f, res.EnergyEdges); err != nil {
		return fmt.Errorf("failed to write %s: %w", eboundsExt, err)
	}
	return nil
}

func writeHist(f *fitsio.File, h *hist.Hist, res *scan.Results, primary bool, extra ...fitsio.Card) error {
	img := fitsio.NewImage(-64, h.Dims())
	defer img.Close()

	var cards []fitsio.Card
	if !primary {
		cards = append(cards, fitsio.Card{Name: "EXTNAME", Value: h.Name})
	} else {
		cards = append(cards, fitsio.Card{Name: "HDUNAME", Value: h.Name})
	}
	for i, a := range h.Axes {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("AXNAME%d", i+1), Value: a.Name})
	}
	if res.WCS != nil && len(h.Axes) >= 2 && h.Axes[0].Name == "x" && h.Axes[1].Name == "y" {
		cards = append(cards, likelihood.WCSCards(res.WCS)...)
	}
	if h.Unit != "" {
		cards = append(cards, fitsio.Card{Name: "BUNIT", Value: h.Unit})
	}
	cards = append(cards, extra...)
	if err := img.Header().Append(cards...); err != nil {
		return err
	}
	data := h.Data()
	if err := img.Write(&data); err != nil {
		return err
	}
	return f.Write(img)
}

func writeEBounds(f *fitsio.File, edges []float64) error {
	cols := []fitsio.Column{
		{Name: "CHANNEL", Format: "J"},
		{Name: "E_MIN", Format: "D", Unit: "MeV"},
		{Name: "E_MAX", Format: "D", Unit: "MeV"},
	}
	tbl, err := fitsio.NewTable(eboundsExt, cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	for k := 0; k+1 < len(edges); k++ {
		ch := int32(k)
		lo, hi := edges[k], edges[k+1]
		if err := tbl.Write(&ch, &lo, &hi); err != nil {
			return err
		}
	}
	return f.Write(tbl)
}

// Read loads results written by Encode.
func Read(r io.Reader) (*scan.Results, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FITS: %w", err)
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("no HDUs")
	}
	res := &scan.Results{}
	for i, hdu := range hdus {
		hdr := hdu.Header()
		if i == 0 {
			res.TestSource = likelihood.CardString(hdr, "TESTSRC", "")
			res.NullLogLike = likelihood.CardFloat(hdr, "NULLLIKE", 0)
			res.RefLogLike = likelihood.CardFloat(hdr, "REFLIKE", 0)
			res.NumPoints = int(likelihood.CardFloat(hdr, "NPOINTS", 0))
			res.NumFailed = int(likelihood.CardFloat(hdr, "NFAILED", 0))
		}
		switch hdu := hdu.(type) {
		case fitsio.Image:
			h, err := readHist(hdu, i == 0)
			if err != nil {
				return nil, err
			}
			if res.WCS == nil && strings.TrimSpace(likelihood.CardString(hdr, "CTYPE1", "")) != "" {
				axes := hdr.Axes()
				if res.WCS, err = likelihood.WCSFromHeader(hdr, axes[0], axes[1]); err != nil {
					return nil, err
				}
			}
			res.Hists = append(res.Hists, h)
		case *fitsio.Table:
			if hdu.Name() != eboundsExt {
				continue
			}
			edges, err := readEBounds(hdu)
			if err != nil {
				return nil, err
			}
			res.EnergyEdges = edges
		}
	}
	return res, nil
}

func readHist(img fitsio.Image, primary bool) (*hist.Hist, error) {
	hdr := img.Header()
	name := img.Name()
	if primary {
		name = likelihood.CardString(hdr, "HDUNAME", scan.HistTSMap)
	}
	dims := hdr.Axes()
	axes := make([]hist.Axis, len(dims))
	for i, n := range dims {
		axes[i] = hist.Axis{Name: likelihood.CardString(hdr, fmt.Sprintf("AXNAME%d", i+1), ""), Size: n}
	}
	h, err := hist.New(name, axes...)
	if err != nil {
		return nil, err
	}
	h.Unit = likelihood.CardString(hdr, "BUNIT", "")
	data := make([]float64, h.Len())
	if err := img.Read(&data); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) != h.Len() {
		return nil, fmt.Errorf("%s has %d values, expected %d", name, len(data), h.Len())
	}
	copy(h.Data(), data)
	return h, nil
}

func readEBounds(tbl *fitsio.Table) ([]float64, error) {
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", eboundsExt, err)
	}
	defer rows.Close()

	var edges []float64
	for rows.Next() {
		var ch int32
		var lo, hi float64
		if err := rows.Scan(&ch, &lo, &hi); err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", eboundsExt, err)
		}
		if len(edges) == 0 {
			edges = append(edges, lo)
		}
		edges = append(edges, hi)
	}
	return edges, rows.Err()
}
