package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/tscube/internal/pipeline"
	"github.com/cwbudde/tscube/internal/scan"
	"github.com/cwbudde/tscube/internal/store"
)

// progressInterval throttles SSE progress events
const progressInterval = 500 * time.Millisecond

// runJob executes a scan job in the background.
// The result record is saved to resultStore when it is not nil.
func runJob(ctx context.Context, jm *JobManager, resultStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "roi", job.Config.ROIPath)

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID, nil)
		return ctx.Err()
	default:
	}

	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	rec, err := pipeline.Run(ctx, pipeline.Job{
		ID:       jobID,
		Config:   job.Config,
		Store:    resultStore,
		Progress: func(done, total int, p scan.Point) { recordProgress(jm, jobID, done, total, p) },
	})
	close(progressDone)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		markJobCancelled(jm, jobID, rec)
		return err
	default:
		markJobFailed(jm, jobID, err)
		return err
	}

	endTime := time.Now()
	info := rec.ToInfo()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.record = rec
		j.Done = info.NumDone
		j.Total = info.NumPoints
		j.NumFailed = info.NumFailed
		j.MaxTS = info.MaxTS
		j.MaxTSIndex = info.MaxTSIndex
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed", "job_id", jobID, "elapsed", rec.Elapsed, "points", info.NumPoints, "failed", info.NumFailed)

	// Broadcast final completion event
	final, _ := jm.GetJob(jobID)
	jm.broadcaster.Broadcast(newProgressEvent(final))
	return nil
}

// recordProgress folds a finished grid point into the job state
func recordProgress(jm *JobManager, jobID string, done, total int, p scan.Point) {
	jm.UpdateJob(jobID, func(j *Job) {
		j.Done = done
		j.Total = total
		if !p.Valid {
			j.NumFailed++
			return
		}
		if !math.IsNaN(p.TS) && !math.IsInf(p.TS, 0) && (j.MaxTS == nil || p.TS > *j.MaxTS) {
			ts := p.TS
			j.MaxTS = &ts
			j.MaxTSIndex = p.Index
		}
	})
}

// monitorProgress periodically broadcasts progress events during the scan
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	lastDone := -1
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			if job.Done == lastDone {
				continue
			}
			lastDone = job.Done
			jm.broadcaster.Broadcast(newProgressEvent(job))
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(newProgressEvent(job))
	}
}

// markJobCancelled marks a job as cancelled, keeping its partial record
func markJobCancelled(jm *JobManager, jobID string, rec *store.Record) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.record = rec
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(newProgressEvent(job))
	}
}
