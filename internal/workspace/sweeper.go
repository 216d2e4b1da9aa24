package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxdub/voxdub-api/internal/job"
)

// DefaultRetention is how long terminal jobs and their directories are kept.
const DefaultRetention = 24 * time.Hour

// Sweeper periodically deletes terminal jobs older than the retention window
// and removes their workspace directories.
type Sweeper struct {
	repo      job.Repository
	manager   *Manager
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. Non-positive retention uses DefaultRetention;
// non-positive interval sweeps hourly.
func NewSweeper(repo job.Repository, manager *Manager, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:      repo,
		manager:   manager,
		retention: retention,
		interval:  time.Hour,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep: terminal jobs whose completion is older
// than the retention window are deleted along with their directories.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	for _, status := range []job.Status{job.StatusComplete, job.StatusFailed, job.StatusCancelled} {
		st := status
		jobs, _, err := s.repo.List(ctx, job.ListFilter{Status: &st})
		if err != nil {
			s.logger.Error("sweep list failed",
				slog.String("status", string(st)),
				slog.String("error", err.Error()))
			continue
		}
		for _, j := range jobs {
			if j.CompletedAt.IsZero() || j.CompletedAt.After(cutoff) {
				continue
			}
			if err := s.manager.RemoveJobDirs(j.ID); err != nil {
				s.logger.Warn("sweep directory removal failed",
					slog.String("job_id", j.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	deleted, err := s.repo.DeleteOldTerminal(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep delete failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		s.logger.Info("swept terminal jobs", slog.Int("deleted", deleted))
	}
}
