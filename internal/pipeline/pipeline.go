// Package pipeline runs one scan job end to end: load the ROI, build the
// grid and driver, scan, then write the FITS output, the stored record and
// the per-point trace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/tscube/internal/fitsout"
	"github.com/cwbudde/tscube/internal/likelihood"
	"github.com/cwbudde/tscube/internal/scan"
	"github.com/cwbudde/tscube/internal/store"
)

// Job describes a scan job.
type Job struct {
	ID     string
	Config store.JobConfig

	// Store receives the result record and the trace. Optional.
	Store store.Store

	// Previous is the record of an interrupted run to continue. Optional.
	Previous *store.Record

	// Progress is called after every grid point. Optional.
	Progress scan.ProgressFunc
}

// Run executes the job. When ctx is cancelled mid-scan the partial record
// is still saved and returned together with the context error.
func Run(ctx context.Context, job Job) (*store.Record, error) {
	cfg := job.Config.Scan
	if cfg == nil {
		return nil, fmt.Errorf("job %s has no scan configuration", job.ID)
	}
	if job.Previous != nil {
		if err := job.Previous.IsCompatible(job.Config); err != nil {
			return nil, fmt.Errorf("failed to resume job %s: %w", job.ID, err)
		}
	}

	cube, err := likelihood.LoadCube(job.Config.ROIPath)
	if err != nil {
		return nil, err
	}
	sc, err := cfg.ScanConfig()
	if err != nil {
		return nil, err
	}
	if job.Config.TSMapOnly {
		sc.DoSED = false
		sc.NumNorm = 0
	}
	grid, err := cfg.NewGrid(cube.WCS)
	if err != nil {
		return nil, err
	}
	o, err := cfg.NewOptimizer()
	if err != nil {
		return nil, err
	}
	d, err := scan.NewDriver(cube, grid, o, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to set up scan: %w", err)
	}

	var tw *store.TraceWriter
	if job.Store != nil && cfg.Output.Trace {
		tw, err = store.NewTraceWriter(job.Store.BaseDir(), job.ID, job.Previous != nil)
		if err != nil {
			return nil, err
		}
		defer tw.Close()
	}

	d.SetProgress(func(done, total int, p scan.Point) {
		if tw != nil {
			if err := tw.Write(store.NewTraceEntry(p)); err != nil {
				slog.Warn("Failed to write trace entry", "job_id", job.ID, "index", p.Index, "error", err)
			}
		}
		if job.Progress != nil {
			job.Progress(done, total, p)
		}
	})

	slog.Info("Starting job", "job_id", job.ID, "roi", job.Config.ROIPath, "points", grid.Len(), "resume", job.Previous != nil)
	start := time.Now()
	var res *scan.Results
	var runErr error
	if job.Previous != nil {
		res, runErr = d.Resume(ctx, job.Previous.Results)
	} else {
		res, runErr = d.RunTSCube(ctx)
	}
	if res == nil {
		return nil, runErr
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return nil, runErr
	}

	elapsed := time.Since(start)
	if job.Previous != nil {
		elapsed += job.Previous.Elapsed
	}
	rec := store.NewRecord(job.ID, res, job.Config, elapsed)

	if rec.Status == store.StatusComplete && job.Config.OutPath != "" {
		if err := fitsout.Write(job.Config.OutPath, res); err != nil {
			return rec, err
		}
	}
	if job.Store != nil {
		if err := job.Store.SaveResult(job.ID, rec); err != nil {
			return rec, fmt.Errorf("failed to save result: %w", err)
		}
	}

	info := rec.ToInfo()
	slog.Info("Job finished",
		"job_id", job.ID,
		"status", rec.Status,
		"done", info.NumDone,
		"points", info.NumPoints,
		"failed", info.NumFailed,
		"max_ts_index", info.MaxTSIndex,
		"elapsed", elapsed,
	)
	return rec, runErr
}
