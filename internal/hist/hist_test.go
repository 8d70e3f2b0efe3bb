package hist

import (
	"encoding/json"
	"math"
	"testing"
)

func TestIndexFirstAxisFastest(t *testing.T) {
	h := MustNew("TS_MAP", Axis{Name: "x", Size: 3}, Axis{Name: "y", Size: 2})

	tests := []struct {
		x, y int
		want int
	}{
		{0, 0, 0},
		{2, 0, 2},
		{0, 1, 3},
		{2, 1, 5},
	}
	for _, tt := range tests {
		got, err := h.Index(tt.x, tt.y)
		if err != nil {
			t.Fatalf("Index(%d, %d) error: %v", tt.x, tt.y, err)
		}
		if got != tt.want {
			t.Errorf("Index(%d, %d) = %d, want %d", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestSetAt(t *testing.T) {
	h := MustNew("NORM", Axis{Name: "pixel", Size: 4}, Axis{Name: "energy", Size: 3})
	if err := h.Set(2.5, 3, 2); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if got := h.At(3, 2); got != 2.5 {
		t.Errorf("At(3, 2) = %g, want 2.5", got)
	}
	if err := h.Set(1, 4, 0); err == nil {
		t.Error("Set out of range should fail")
	}
	if err := h.Set(1, 0); err == nil {
		t.Error("Set with too few indices should fail")
	}
	if !math.IsNaN(h.At(0, 3)) {
		t.Error("At out of range should be NaN")
	}
	if got := h.Dims(); len(got) != 2 || got[0] != 4 || got[1] != 3 {
		t.Errorf("Dims() = %v", got)
	}
	if h.Len() != 12 {
		t.Errorf("Len() = %d, want 12", h.Len())
	}
}

func TestFillAndSetFlat(t *testing.T) {
	h := MustNew("NORM_SCAN", Axis{Name: "norm", Size: 3}, Axis{Name: "pixel", Size: 2})
	h.Fill(math.NaN())
	if err := h.SetFlat([]float64{1, 2, 3}, 0, 1); err != nil {
		t.Fatalf("SetFlat error: %v", err)
	}
	if !math.IsNaN(h.At(2, 0)) || h.At(1, 1) != 2 {
		t.Errorf("unexpected data %v", h.Data())
	}
	if err := h.SetFlat([]float64{1, 2}, 2, 1); err == nil {
		t.Error("SetFlat overflow should fail")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("x"); err == nil {
		t.Error("no axes should fail")
	}
	if _, err := New("x", Axis{Name: "a", Size: 0}); err == nil {
		t.Error("zero size should fail")
	}
	if _, err := New("x", Axis{Name: "e", Size: 2, Edges: []float64{1, 2}}); err == nil {
		t.Error("wrong edge count should fail")
	}
}

func TestJSONKeepsNaN(t *testing.T) {
	h := MustNew("TS", Axis{Name: "energy", Size: 3, Edges: []float64{1, 10, 100, 1000}})
	h.Unit = "ts"
	h.Data()[0] = 4
	h.Data()[1] = math.NaN()
	h.Data()[2] = math.Inf(1)

	b, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var got Hist
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.Name != "TS" || got.Unit != "ts" || len(got.Axes[0].Edges) != 4 {
		t.Errorf("metadata lost: %+v", got)
	}
	if got.Data()[0] != 4 || !math.IsNaN(got.Data()[1]) || !math.IsNaN(got.Data()[2]) {
		t.Errorf("data = %v", got.Data())
	}
}

func TestString(t *testing.T) {
	h := MustNew("TS_MAP", Axis{Name: "x", Size: 3}, Axis{Name: "y", Size: 2})
	if got, want := h.String(), "TS_MAP[x=3,y=2]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
