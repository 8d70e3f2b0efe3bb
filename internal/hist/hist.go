// Package hist provides dense N-dimensional result arrays with named axes,
// used to collect scan outputs indexed by pixel, energy bin and
// normalization point.
package hist

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Axis describes one dimension of a histogram.
type Axis struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	// Edges are the bin boundaries, len Size+1, when the axis has them.
	Edges []float64 `json:"edges,omitempty"`
}

// Hist is a dense array over its axes. The first axis varies fastest, which
// matches the FITS image layout.
type Hist struct {
	Name string
	Unit string
	Axes []Axis

	data []float64
}

// New allocates a histogram filled with zeros.
func New(name string, axes ...Axis) (*Hist, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("histogram %s: no axes", name)
	}
	n := 1
	for _, a := range axes {
		if a.Size <= 0 {
			return nil, fmt.Errorf("histogram %s: axis %s has size %d", name, a.Name, a.Size)
		}
		if a.Edges != nil && len(a.Edges) != a.Size+1 {
			return nil, fmt.Errorf("histogram %s: axis %s has %d edges for %d bins", name, a.Name, len(a.Edges), a.Size)
		}
		n *= a.Size
	}
	return &Hist{
		Name: name,
		Axes: append([]Axis(nil), axes...),
		data: make([]float64, n),
	}, nil
}

// MustNew is New for axes known to be valid.
func MustNew(name string, axes ...Axis) *Hist {
	h, err := New(name, axes...)
	if err != nil {
		panic(err)
	}
	return h
}

// Dims returns the size of every axis.
func (h *Hist) Dims() []int {
	d := make([]int, len(h.Axes))
	for i, a := range h.Axes {
		d[i] = a.Size
	}
	return d
}

// Len returns the total number of cells.
func (h *Hist) Len() int { return len(h.data) }

// Data returns the underlying cells, first axis fastest.
func (h *Hist) Data() []float64 { return h.data }

// Index converts per-axis indices to a flat cell index.
func (h *Hist) Index(idx ...int) (int, error) {
	if len(idx) != len(h.Axes) {
		return 0, fmt.Errorf("histogram %s: %d indices for %d axes", h.Name, len(idx), len(h.Axes))
	}
	flat := 0
	stride := 1
	for i, a := range h.Axes {
		if idx[i] < 0 || idx[i] >= a.Size {
			return 0, fmt.Errorf("histogram %s: index %d out of range for axis %s of size %d", h.Name, idx[i], a.Name, a.Size)
		}
		flat += idx[i] * stride
		stride *= a.Size
	}
	return flat, nil
}

// Set stores v at the given indices.
func (h *Hist) Set(v float64, idx ...int) error {
	i, err := h.Index(idx...)
	if err != nil {
		return err
	}
	h.data[i] = v
	return nil
}

// At returns the value at the given indices, NaN if they are out of range.
func (h *Hist) At(idx ...int) float64 {
	i, err := h.Index(idx...)
	if err != nil {
		return math.NaN()
	}
	return h.data[i]
}

// Fill sets every cell to v.
func (h *Hist) Fill(v float64) {
	for i := range h.data {
		h.data[i] = v
	}
}

// SetFlat stores a run of values starting at the cell of idx.
func (h *Hist) SetFlat(vals []float64, idx ...int) error {
	i, err := h.Index(idx...)
	if err != nil {
		return err
	}
	if i+len(vals) > len(h.data) {
		return fmt.Errorf("histogram %s: %d values overflow at cell %d", h.Name, len(vals), i)
	}
	copy(h.data[i:], vals)
	return nil
}

func (h *Hist) String() string {
	names := make([]string, len(h.Axes))
	for i, a := range h.Axes {
		names[i] = fmt.Sprintf("%s=%d", a.Name, a.Size)
	}
	return fmt.Sprintf("%s[%s]", h.Name, strings.Join(names, ","))
}

type jsonHist struct {
	Name string     `json:"name"`
	Unit string     `json:"unit,omitempty"`
	Axes []Axis     `json:"axes"`
	Data []*float64 `json:"data"`
}

// MarshalJSON encodes non-finite cells as null.
func (h *Hist) MarshalJSON() ([]byte, error) {
	out := jsonHist{Name: h.Name, Unit: h.Unit, Axes: h.Axes, Data: make([]*float64, len(h.data))}
	for i := range h.data {
		if v := h.data[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			out.Data[i] = &h.data[i]
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null cells as NaN.
func (h *Hist) UnmarshalJSON(b []byte) error {
	var in jsonHist
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	nh, err := New(in.Name, in.Axes...)
	if err != nil {
		return err
	}
	if len(in.Data) != nh.Len() {
		return fmt.Errorf("histogram %s: %d cells, expected %d", in.Name, len(in.Data), nh.Len())
	}
	for i, v := range in.Data {
		if v == nil {
			nh.data[i] = math.NaN()
		} else {
			nh.data[i] = *v
		}
	}
	nh.Unit = in.Unit
	*h = *nh
	return nil
}
