// Package workspace manages the per-job filesystem tree: a root directory per
// job with source, chunks, dubbed and output subdirectories, plus delayed
// cleanup once a job reaches a terminal state.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxdub/voxdub-api/internal/job"
)

// DefaultRoot is the workspace base path when none is configured.
const DefaultRoot = "./temp/automation"

// Manager creates and removes per-job directory trees under a single root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at the given path. An empty root uses
// DefaultRoot. The root directory is created if it does not exist.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	return &Manager{root: root, logger: logger}, nil
}

// Root returns the workspace base path.
func (m *Manager) Root() string {
	return m.root
}

// CreateJobDirs creates the directory tree for a job and returns its paths.
// Each directory is created empty. On any failure the partially created tree
// is removed before returning.
func (m *Manager) CreateJobDirs(jobID string) (job.Paths, error) {
	root := filepath.Join(m.root, jobID)
	paths := job.Paths{
		Root:   root,
		Source: filepath.Join(root, "source"),
		Chunks: filepath.Join(root, "chunks"),
		Dubbed: filepath.Join(root, "dubbed"),
		Output: filepath.Join(root, "output"),
	}

	for _, dir := range []string{paths.Source, paths.Chunks, paths.Dubbed, paths.Output} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			_ = os.RemoveAll(root)
			return job.Paths{}, fmt.Errorf("create job directory %s: %w", dir, err)
		}
	}

	return paths, nil
}

// RemoveJobDirs tears down a job's entire directory tree immediately.
func (m *Manager) RemoveJobDirs(jobID string) error {
	if jobID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.root, jobID)); err != nil {
		return fmt.Errorf("remove job directories: %w", err)
	}
	return nil
}

// ScheduleCleanup removes the intermediate directories (source, chunks,
// dubbed) after the given delay. The output directory is retained so the
// artifact stays downloadable; keepIntermediate skips the removal entirely.
// The returned cancel function stops a pending cleanup.
func (m *Manager) ScheduleCleanup(paths job.Paths, delay time.Duration, keepIntermediate bool) context.CancelFunc {
	if keepIntermediate {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.CleanupIntermediate(paths)
	}()
	return cancel
}

// CleanupIntermediate removes the source, chunks and dubbed directories now.
// Removal is best-effort; failures are logged and do not stop the sweep.
func (m *Manager) CleanupIntermediate(paths job.Paths) {
	for _, dir := range []string{paths.Source, paths.Chunks, paths.Dubbed} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("workspace cleanup failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
		}
	}
}
