package job

import (
	"context"
	"errors"
	"time"
)

// Static errors for repository operations.
var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when creating a job whose ID already exists.
	ErrDuplicateJob = errors.New("job already exists")
)

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	// Status filters to a single status when non-nil.
	Status *Status
	// Limit caps the number of returned jobs. Zero means no cap.
	Limit int
	// Offset skips that many jobs from the newest end.
	Offset int
}

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern. Implementations
// must serialise writes per job ID so that the progress and log-cap
// invariants hold under concurrent executor updates.
type Repository interface {
	// Create persists a new job. Returns ErrDuplicateJob if the ID exists.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	Get(ctx context.Context, id string) (*Job, error)

	// Update persists the current state of an existing job.
	// Returns ErrJobNotFound if the job does not exist.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job. Deleting a missing job is not an error.
	Delete(ctx context.Context, id string) error

	// List returns jobs newest-first by creation time, with the total
	// count matching the filter before paging.
	List(ctx context.Context, filter ListFilter) ([]*Job, int, error)

	// Count returns the number of jobs, optionally filtered by status.
	Count(ctx context.Context, status *Status) (int, error)

	// UpdateProgress persists only the live progress of a job. This is the
	// hot path and must not rewrite the job's log.
	UpdateProgress(ctx context.Context, id string, p Progress) error

	// AppendLog atomically appends a log entry, evicting the oldest entries
	// beyond MaxLogEntries.
	AppendLog(ctx context.Context, id string, entry LogEntry) error

	// Exists reports whether a job with the given ID exists.
	Exists(ctx context.Context, id string) (bool, error)

	// GetRecentlyUpdated returns up to limit jobs ordered by UpdatedAt
	// descending.
	GetRecentlyUpdated(ctx context.Context, limit int) ([]*Job, error)

	// DeleteOldTerminal removes terminal jobs whose completion time is
	// before olderThan, returning the number removed.
	DeleteOldTerminal(ctx context.Context, olderThan time.Time) (int, error)

	// ResetInterrupted fails jobs left non-terminal by a crashed process,
	// returning the number reset. Called once at startup.
	ResetInterrupted(ctx context.Context) (int, error)
}
