package server

import (
	"context"
	"testing"
	"time"
)

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{ROIPath: "roi.fits", OutPath: "tscube.fits"})

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}
	if job.Config.ROIPath != "roi.fits" {
		t.Errorf("Config not set correctly")
	}
	if job.MaxTSIndex != -1 || job.MaxTS != nil {
		t.Errorf("New job should have no maximum, got %v at %d", job.MaxTS, job.MaxTSIndex)
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{ROIPath: "roi.fits"})

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Error("Job should exist")
	}
	if retrieved.ID != job.ID {
		t.Error("Retrieved wrong job")
	}

	// Snapshots do not alias the managed job
	retrieved.State = StateFailed
	again, _ := jm.GetJob(job.ID)
	if again.State != StatePending {
		t.Errorf("Snapshot modification leaked into manager: %s", again.State)
	}

	if _, exists := jm.GetJob("nonexistent"); exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()

	if len(jm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	first := jm.CreateJob(JobConfig{ROIPath: "a.fits"})
	time.Sleep(2 * time.Millisecond)
	second := jm.CreateJob(JobConfig{ROIPath: "b.fits"})

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Error("Jobs should be listed oldest first")
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{ROIPath: "roi.fits"})

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Done = 5
		j.Total = 25
	})
	if err != nil {
		t.Errorf("UpdateJob failed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning || updated.Done != 5 || updated.Total != 25 {
		t.Errorf("Update not applied: %+v", updated)
	}

	if err := jm.UpdateJob("nonexistent", func(j *Job) {}); err == nil {
		t.Error("Should error on nonexistent job")
	}
}

func TestJobManager_GetRunningJobs(t *testing.T) {
	jm := NewJobManager()
	a := jm.CreateJob(JobConfig{ROIPath: "a.fits"})
	jm.CreateJob(JobConfig{ROIPath: "b.fits"})
	jm.UpdateJob(a.ID, func(j *Job) { j.State = StateRunning })

	running := jm.GetRunningJobs()
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("Expected only job %s running, got %d jobs", a.ID, len(running))
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{ROIPath: "roi.fits"})

	ctx, cancel := context.WithCancel(context.Background())
	jm.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })

	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("Context should be cancelled")
	}

	jm.UpdateJob(job.ID, func(j *Job) { j.State = StateCompleted })
	if err := jm.CancelJob(job.ID); err == nil {
		t.Error("Should not cancel a completed job")
	}
	if err := jm.CancelJob("nonexistent"); err == nil {
		t.Error("Should error on nonexistent job")
	}
}

func TestJobManager_CancelAll(t *testing.T) {
	jm := NewJobManager()
	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		job := jm.CreateJob(JobConfig{ROIPath: "roi.fits"})
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		jm.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel; j.State = StateRunning })
	}

	jm.CancelAll()
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("Job %d was not cancelled", i)
		}
	}
}
