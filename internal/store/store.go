package store

// Store defines the interface for scan result persistence.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if a result doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveResult atomically saves the result record of a job, overwriting
	// any earlier record of the same job.
	SaveResult(jobID string, rec *Record) error

	// LoadResult retrieves the result record of a job.
	// Returns ErrNotFound if no record exists for this jobID.
	LoadResult(jobID string) (*Record, error)

	// ListResults returns metadata for all stored results, newest first.
	ListResults() ([]ResultInfo, error)

	// DeleteResult removes the record and all artifacts of a job
	// (result.json, trace.jsonl, FITS output written into the job directory).
	// Returns ErrNotFound if nothing is stored for this jobID.
	DeleteResult(jobID string) error

	// JobDir returns the directory holding the artifacts of a job.
	JobDir(jobID string) string

	// BaseDir returns the root directory, as used by the trace functions.
	BaseDir() string
}

// ErrNotFound is returned when a requested result does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing result error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "result not found: " + e.JobID
	}
	return "result not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
