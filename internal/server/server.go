package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/tscube/internal/config"
	"github.com/cwbudde/tscube/internal/fitsout"
	"github.com/cwbudde/tscube/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager  *JobManager
	resultStore store.Store
	addr        string
	server      *http.Server
	baseCtx     context.Context
	cancelAll   context.CancelFunc
}

// CreateJobRequest is the body of POST /api/v1/jobs
type CreateJobRequest struct {
	ROIPath string `json:"roiPath"`
	// ConfigPath is a YAML scan configuration, defaults when empty
	ConfigPath string `json:"configPath,omitempty"`
	OutPath    string `json:"outPath,omitempty"`
	TSMapOnly  bool   `json:"tsmapOnly,omitempty"`
}

// NewServer creates a new HTTP server. resultStore may be nil, in which
// case results are kept in memory only.
func NewServer(addr string, resultStore store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager:  NewJobManager(),
		resultStore: resultStore,
		addr:        addr,
		baseCtx:     ctx,
		cancelAll:   cancel,
	}
	s.server = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler returns the HTTP handler with all routes and middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/results", s.handleListResults)
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.jobManager.CancelAll()
	s.cancelAll()
	return s.server.Shutdown(ctx)
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "result":
		s.handleGetResult(w, r, jobID)
	case "result.fits":
		s.handleGetResultFITS(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "cancel":
		s.handleCancelJob(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.ROIPath == "" {
		http.Error(w, "roiPath is required", http.StatusBadRequest)
		return
	}

	cfg, err := config.LoadConfig(req.ConfigPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(JobConfig{
		ROIPath:   req.ROIPath,
		OutPath:   req.OutPath,
		Scan:      cfg,
		TSMapOnly: req.TSMapOnly,
	})

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })

	// Start worker in background
	go func() {
		defer cancel()
		runJob(ctx, s.jobManager, s.resultStore, job.ID)
	}()

	snapshot, _ := s.jobManager.GetJob(job.ID)
	writeJSON(w, http.StatusCreated, snapshot)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	writeJSON(w, http.StatusOK, struct {
		Job
		Elapsed         float64 `json:"elapsed"`
		PointsPerSecond float64 `json:"pointsPerSecond"`
	}{
		Job:             job,
		Elapsed:         elapsed.Seconds(),
		PointsPerSecond: newProgressEvent(job).PointsPerSecond,
	})
}

// lookupRecord finds the result of a job in memory or in the store
func (s *Server) lookupRecord(jobID string) (*store.Record, int, error) {
	if job, ok := s.jobManager.GetJob(jobID); ok {
		if job.record != nil {
			return job.record, http.StatusOK, nil
		}
		if job.State == StatePending || job.State == StateRunning {
			return nil, http.StatusConflict, fmt.Errorf("job %s is %s", jobID, job.State)
		}
	}
	if s.resultStore == nil {
		return nil, http.StatusNotFound, &store.NotFoundError{JobID: jobID}
	}
	rec, err := s.resultStore.LoadResult(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, http.StatusNotFound, err
	} else if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return rec, http.StatusOK, nil
}

// handleGetResult handles GET /api/v1/jobs/:id/result
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request, jobID string) {
	rec, status, err := s.lookupRecord(jobID)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetResultFITS handles GET /api/v1/jobs/:id/result.fits
func (s *Server) handleGetResultFITS(w http.ResponseWriter, r *http.Request, jobID string) {
	rec, status, err := s.lookupRecord(jobID)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".fits"))
	if err := fitsout.Encode(w, rec.Results); err != nil {
		slog.Error("Failed to encode FITS", "job_id", jobID, "error", err)
	}
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.jobManager.GetJob(jobID); !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleListResults handles GET /api/v1/results
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resultStore == nil {
		writeJSON(w, http.StatusOK, []store.ResultInfo{})
		return
	}
	infos, err := s.resultStore.ListResults()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
