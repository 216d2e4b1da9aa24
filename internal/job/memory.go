package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; the SQLite store is the
// persistent production implementation.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
	}
}

// Create persists a new job. Stores a snapshot to avoid external mutations.
func (r *MemoryRepository) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return ErrDuplicateJob
	}
	r.jobs[j.ID] = j.Snapshot()
	return nil
}

// Get retrieves a job by its ID. Returns a snapshot to prevent external
// mutations.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// Update persists the current state of an existing job.
func (r *MemoryRepository) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	r.jobs[j.ID] = j.Snapshot()
	return nil
}

// Delete removes a job. Missing jobs are ignored.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

// List returns jobs newest-first by creation time.
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	result := make([]*Job, len(matched))
	for i, j := range matched {
		result[i] = j.Snapshot()
	}
	return result, total, nil
}

// Count returns the number of jobs, optionally filtered by status.
func (r *MemoryRepository) Count(_ context.Context, status *Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if status == nil {
		return len(r.jobs), nil
	}
	n := 0
	for _, j := range r.jobs {
		if j.Status == *status {
			n++
		}
	}
	return n, nil
}

// UpdateProgress persists only the live progress of a job, keeping the
// stored log untouched.
func (r *MemoryRepository) UpdateProgress(_ context.Context, id string, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	logs := j.Progress.Logs
	j.Progress = p
	j.Progress.Logs = logs
	j.UpdatedAt = time.Now()
	return nil
}

// AppendLog atomically appends a log entry with the ring cap applied.
func (r *MemoryRepository) AppendLog(_ context.Context, id string, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.AppendLog(entry)
	return nil
}

// Exists reports whether a job with the given ID exists.
func (r *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok, nil
}

// GetRecentlyUpdated returns up to limit jobs ordered by UpdatedAt descending.
func (r *MemoryRepository) GetRecentlyUpdated(_ context.Context, limit int) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].UpdatedAt.After(all[b].UpdatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	result := make([]*Job, len(all))
	for i, j := range all {
		result[i] = j.Snapshot()
	}
	return result, nil
}

// DeleteOldTerminal removes terminal jobs completed before olderThan.
func (r *MemoryRepository) DeleteOldTerminal(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(olderThan) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

// ResetInterrupted fails jobs left non-terminal by a crashed process.
func (r *MemoryRepository) ResetInterrupted(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if !j.Status.IsTerminal() {
			j.Status = StatusFailed
			j.Error = &Error{
				Code:        CodeStorage,
				Message:     "job interrupted by process restart",
				Stage:       j.Progress.Stage,
				Recoverable: false,
			}
			j.CompletedAt = time.Now()
			j.UpdatedAt = j.CompletedAt
			n++
		}
	}
	return n, nil
}
