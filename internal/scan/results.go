package scan

import (
	"fmt"
	"math"
	"slices"

	"github.com/cwbudde/tscube/internal/fit"
	"github.com/cwbudde/tscube/internal/hist"
	"github.com/cwbudde/tscube/internal/skyproj"
)

// Output histogram names.
const (
	HistTSMap      = "TS_MAP"
	HistNormMap    = "N_MAP"
	HistErrPosMap  = "ERRP_MAP"
	HistErrNegMap  = "ERRN_MAP"
	HistLogLikeMap = "LOGLIKE_MAP"
	HistValidMap   = "VALID_MAP"
	HistFitStatus  = "FIT_STATUS"

	HistTS           = "TS"
	HistNorm         = "NORM"
	HistErrPos       = "ERR_POS"
	HistErrNeg       = "ERR_NEG"
	HistLogLike      = "LOGLIKE"
	HistNormScan     = "NORM_SCAN"
	HistDLogLikeScan = "DLOGLIKE_SCAN"
)

// Point is the broadband result at one grid position.
type Point struct {
	Index      int         `json:"index"`
	Dir        skyproj.Dir `json:"dir"`
	Valid      bool        `json:"valid"`
	Status     fit.State   `json:"status"`
	TS         float64     `json:"ts"`
	Norm       float64     `json:"norm"`
	ErrPos     float64     `json:"err_pos"`
	ErrNeg     float64     `json:"err_neg"`
	LogLike    float64     `json:"loglike"`
	Iterations int         `json:"iterations"`
	Refit      bool        `json:"refit,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func invalidPoint(i int, dir skyproj.Dir, err error) Point {
	nan := math.NaN()
	return Point{
		Index:   i,
		Dir:     dir,
		Status:  fit.StateFailed,
		TS:      nan,
		Norm:    nan,
		ErrPos:  nan,
		ErrNeg:  nan,
		LogLike: nan,
		Error:   err.Error(),
	}
}

// BinResult is the fit of one energy bin at one grid position.
type BinResult struct {
	TS       float64
	Norm     float64
	ErrPos   float64
	ErrNeg   float64
	LogLike  float64
	Norms    []float64
	DLogLike []float64
}

func invalidBin(nNorm int) BinResult {
	nan := math.NaN()
	b := BinResult{TS: nan, Norm: nan, ErrPos: nan, ErrNeg: nan, LogLike: nan}
	if nNorm > 0 {
		b.Norms = nanSlice(nNorm)
		b.DLogLike = nanSlice(nNorm)
	}
	return b
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// Results collects the outputs of a scan.
type Results struct {
	TestSource  string       `json:"test_source"`
	NullLogLike float64      `json:"null_loglike"`
	RefLogLike  float64      `json:"ref_loglike"`
	NumPoints   int          `json:"num_points"`
	NumFailed   int          `json:"num_failed"`
	EnergyEdges []float64    `json:"energy_edges"`
	WCS         *skyproj.WCS `json:"wcs,omitempty"`
	Hists       []*hist.Hist `json:"hists"`

	byName map[string]*hist.Hist
}

func newResults(grid Grid, edges []float64, testName string, withSED bool, nNorm int) *Results {
	r := &Results{
		TestSource:  testName,
		NumPoints:   grid.Len(),
		EnergyEdges: append([]float64(nil), edges...),
	}
	if wg, ok := grid.(*WCSGrid); ok {
		r.WCS = wg.WCS()
	}

	pix := grid.Axes()
	add := func(name, unit string, axes ...hist.Axis) {
		h := hist.MustNew(name, axes...)
		h.Unit = unit
		h.Fill(math.NaN())
		r.Hists = append(r.Hists, h)
	}
	for _, n := range []string{HistTSMap, HistNormMap, HistErrPosMap, HistErrNegMap, HistLogLikeMap} {
		add(n, "", pix...)
	}
	add(HistValidMap, "", pix...)
	add(HistFitStatus, "", pix...)

	if withSED {
		energy := hist.Axis{Name: "energy", Size: len(edges) - 1, Edges: r.EnergyEdges}
		pe := append(append([]hist.Axis(nil), pix...), energy)
		for _, n := range []string{HistTS, HistNorm, HistErrPos, HistErrNeg, HistLogLike} {
			add(n, "", pe...)
		}
		if nNorm > 0 {
			pen := append(append([]hist.Axis(nil), pe...), hist.Axis{Name: "norm", Size: nNorm})
			add(HistNormScan, "", pen...)
			add(HistDLogLikeScan, "", pen...)
		}
	}
	r.index()
	return r
}

func (r *Results) index() {
	r.byName = make(map[string]*hist.Hist, len(r.Hists))
	for _, h := range r.Hists {
		r.byName[h.Name] = h
	}
}

// Hist returns the histogram with the given name, or nil.
func (r *Results) Hist(name string) *hist.Hist {
	if r.byName == nil {
		r.index()
	}
	return r.byName[name]
}

func (r *Results) setPoint(p Point) {
	i := p.Index
	r.Hist(HistTSMap).Data()[i] = p.TS
	r.Hist(HistNormMap).Data()[i] = p.Norm
	r.Hist(HistErrPosMap).Data()[i] = p.ErrPos
	r.Hist(HistErrNegMap).Data()[i] = p.ErrNeg
	r.Hist(HistLogLikeMap).Data()[i] = p.LogLike
	valid := 0.0
	if p.Valid {
		valid = 1
	}
	r.Hist(HistValidMap).Data()[i] = valid
	r.Hist(HistFitStatus).Data()[i] = float64(p.Status)
	if !p.Valid {
		r.NumFailed++
	}
}

// setBin stores the fit of energy bin k at point i. Cells run pixel
// fastest, then energy, then normalization point.
func (r *Results) setBin(i, k int, b BinResult) {
	ne := len(r.EnergyEdges) - 1
	cell := i + r.NumPoints*k
	r.Hist(HistTS).Data()[cell] = b.TS
	r.Hist(HistNorm).Data()[cell] = b.Norm
	r.Hist(HistErrPos).Data()[cell] = b.ErrPos
	r.Hist(HistErrNeg).Data()[cell] = b.ErrNeg
	r.Hist(HistLogLike).Data()[cell] = b.LogLike

	ns, dl := r.Hist(HistNormScan), r.Hist(HistDLogLikeScan)
	if ns == nil {
		return
	}
	for j := range b.Norms {
		c := i + r.NumPoints*(k+ne*j)
		ns.Data()[c] = b.Norms[j]
		dl.Data()[c] = b.DLogLike[j]
	}
}

// PointAt reads back the broadband result of point i.
func (r *Results) PointAt(i int) Point {
	return Point{
		Index:   i,
		Valid:   r.Hist(HistValidMap).Data()[i] == 1,
		Status:  fit.State(r.Hist(HistFitStatus).Data()[i]),
		TS:      r.Hist(HistTSMap).Data()[i],
		Norm:    r.Hist(HistNormMap).Data()[i],
		ErrPos:  r.Hist(HistErrPosMap).Data()[i],
		ErrNeg:  r.Hist(HistErrNegMap).Data()[i],
		LogLike: r.Hist(HistLogLikeMap).Data()[i],
	}
}

// MaxTS returns the valid point with the largest TS, or -1.
func (r *Results) MaxTS() (int, float64) {
	best, ts := -1, math.Inf(-1)
	valid := r.Hist(HistValidMap).Data()
	for i, v := range r.Hist(HistTSMap).Data() {
		if valid[i] == 1 && v > ts {
			best, ts = i, v
		}
	}
	return best, ts
}

// Done reports whether point i has been scanned.
func (r *Results) Done(i int) bool {
	return !math.IsNaN(r.Hist(HistValidMap).Data()[i])
}

// NumDone counts the scanned points.
func (r *Results) NumDone() int {
	n := 0
	for i := 0; i < r.NumPoints; i++ {
		if r.Done(i) {
			n++
		}
	}
	return n
}

// compatible checks that r holds the same histograms as want.
func (r *Results) compatible(want *Results) error {
	if r.TestSource != want.TestSource {
		return fmt.Errorf("test source %q, expected %q", r.TestSource, want.TestSource)
	}
	if r.NumPoints != want.NumPoints {
		return fmt.Errorf("%d grid points, expected %d", r.NumPoints, want.NumPoints)
	}
	for _, h := range want.Hists {
		g := r.Hist(h.Name)
		if g == nil {
			return fmt.Errorf("missing histogram %s", h.Name)
		}
		if !slices.Equal(g.Dims(), h.Dims()) {
			return fmt.Errorf("histogram %s has shape %v, expected %v", h.Name, g.Dims(), h.Dims())
		}
	}
	return nil
}
