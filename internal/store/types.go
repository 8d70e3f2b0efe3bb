package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/scan"
)

// Status values of a stored result.
const (
	StatusComplete    = "complete"
	StatusInterrupted = "interrupted"
)

// JobConfig holds the inputs of a scan job.
type JobConfig struct {
	ROIPath string         `json:"roiPath"`
	OutPath string         `json:"outPath,omitempty"`
	Scan    *config.Config `json:"scan"`

	// TSMapOnly skips the per-energy fits and the normalization scan
	TSMapOnly bool `json:"tsmapOnly,omitempty"`
}

// Record is a stored scan result.
//
// An interrupted scan is stored with the points it finished. Points that were
// never scanned keep NaN in VALID_MAP, which is what Driver.Resume uses to
// continue where the scan stopped.
type Record struct {
	// JobID is the unique identifier of the scan job
	JobID string `json:"jobId"`

	// Status is StatusComplete or StatusInterrupted
	Status string `json:"status"`

	// Config is the job configuration, needed to check a resumed job
	Config JobConfig `json:"config"`

	// Results holds the output histograms
	Results *scan.Results `json:"results"`

	// Timestamp records when this record was saved
	Timestamp time.Time `json:"timestamp"`

	// Elapsed is the wall time spent scanning, summed over resumptions
	Elapsed time.Duration `json:"elapsed"`
}

// ResultInfo contains metadata about a result without the histograms.
// Used for listing results efficiently.
type ResultInfo struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	TestSource string    `json:"testSource"`
	NumPoints  int       `json:"numPoints"`
	NumDone    int       `json:"numDone"`
	NumFailed  int       `json:"numFailed"`

	// MaxTS is nil when no point has a valid fit
	MaxTS      *float64 `json:"maxTs,omitempty"`
	MaxTSIndex int      `json:"maxTsIndex"`

	ROIPath string `json:"roiPath"`
}

// NewRecord creates a record from the results of a scan job.
func NewRecord(jobID string, res *scan.Results, config JobConfig, elapsed time.Duration) *Record {
	status := StatusComplete
	if res != nil && res.NumDone() < res.NumPoints {
		status = StatusInterrupted
	}
	return &Record{
		JobID:     jobID,
		Status:    status,
		Config:    config,
		Results:   res,
		Timestamp: time.Now(),
		Elapsed:   elapsed,
	}
}

// ToInfo converts a full Record to ResultInfo (metadata only).
func (r *Record) ToInfo() ResultInfo {
	info := ResultInfo{
		JobID:      r.JobID,
		Status:     r.Status,
		Timestamp:  r.Timestamp,
		ROIPath:    r.Config.ROIPath,
		MaxTSIndex: -1,
	}
	if r.Results == nil {
		return info
	}
	info.TestSource = r.Results.TestSource
	info.NumPoints = r.Results.NumPoints
	info.NumDone = r.Results.NumDone()
	info.NumFailed = r.Results.NumFailed
	if best, ts := r.Results.MaxTS(); best >= 0 && !math.IsInf(ts, 0) {
		info.MaxTS = &ts
		info.MaxTSIndex = best
	}
	return info
}

// Validate checks if the record has valid data.
func (r *Record) Validate() error {
	if r.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if r.Status != StatusComplete && r.Status != StatusInterrupted {
		return &ValidationError{Field: "Status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Results == nil {
		return &ValidationError{Field: "Results", Reason: "cannot be nil"}
	}
	if r.Results.NumPoints <= 0 {
		return &ValidationError{Field: "Results.NumPoints", Reason: "must be positive"}
	}
	if r.Results.Hist(scan.HistTSMap) == nil || r.Results.Hist(scan.HistValidMap) == nil {
		return &ValidationError{Field: "Results.Hists", Reason: "missing TS map"}
	}
	if len(r.Results.EnergyEdges) < 2 {
		return &ValidationError{Field: "Results.EnergyEdges", Reason: "need at least one energy bin"}
	}
	if r.Elapsed < 0 {
		return &ValidationError{Field: "Elapsed", Reason: "cannot be negative"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if r.Config.ROIPath == "" {
		return &ValidationError{Field: "Config.ROIPath", Reason: "cannot be empty"}
	}
	if r.Config.Scan == nil {
		return &ValidationError{Field: "Config.Scan", Reason: "cannot be nil"}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this record can be resumed with the given config.
// The settings that shape the output histograms must match.
func (r *Record) IsCompatible(cfg JobConfig) error {
	if r.Config.ROIPath != cfg.ROIPath {
		return &CompatibilityError{Field: "ROIPath", Expected: r.Config.ROIPath, Actual: cfg.ROIPath}
	}
	if r.Config.TSMapOnly != cfg.TSMapOnly {
		return &CompatibilityError{
			Field:    "TSMapOnly",
			Expected: fmt.Sprintf("%t", r.Config.TSMapOnly),
			Actual:   fmt.Sprintf("%t", cfg.TSMapOnly),
		}
	}
	if r.Config.Scan == nil || cfg.Scan == nil {
		return &CompatibilityError{Field: "Scan", Expected: "configuration", Actual: "none"}
	}
	a, b := r.Config.Scan, cfg.Scan
	if a.TestSource != b.TestSource {
		return &CompatibilityError{
			Field:    "TestSource",
			Expected: fmt.Sprintf("%+v", a.TestSource),
			Actual:   fmt.Sprintf("%+v", b.TestSource),
		}
	}
	if a.Grid.NX != b.Grid.NX || a.Grid.NY != b.Grid.NY || a.Grid.CoordSys != b.Grid.CoordSys ||
		a.Grid.BinSize != b.Grid.BinSize || len(a.Grid.Dirs) != len(b.Grid.Dirs) {
		return &CompatibilityError{
			Field:    "Grid",
			Expected: fmt.Sprintf("%dx%d %s %g", a.Grid.NX, a.Grid.NY, a.Grid.CoordSys, a.Grid.BinSize),
			Actual:   fmt.Sprintf("%dx%d %s %g", b.Grid.NX, b.Grid.NY, b.Grid.CoordSys, b.Grid.BinSize),
		}
	}
	if a.Scan.DoSED != b.Scan.DoSED || a.Scan.NumNorm != b.Scan.NumNorm {
		return &CompatibilityError{
			Field:    "Scan",
			Expected: fmt.Sprintf("sed=%t nNorm=%d", a.Scan.DoSED, a.Scan.NumNorm),
			Actual:   fmt.Sprintf("sed=%t nNorm=%d", b.Scan.DoSED, b.Scan.NumNorm),
		}
	}
	return nil
}

// CompatibilityError represents a resume compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
