// Package planner turns a downloaded source into an ordered chunk manifest.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/media"
)

// Planner drives the media toolkit's split capability and synthesizes the
// chunk manifest the scheduler and merger consume.
type Planner struct {
	toolkit media.Toolkit
	logger  *slog.Logger
}

// New creates a Planner.
func New(toolkit media.Toolkit, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{toolkit: toolkit, logger: logger}
}

// Plan slices the source at sourcePath into outDir and returns the manifest.
// Progress callbacks report processed counts as chunks are extracted. A split
// that produces no chunks fails with a CHUNKING_EMPTY job error; toolkit
// failures map to CHUNKING_FAILED.
func (p *Planner) Plan(ctx context.Context, jobID, sourcePath, outDir string, cfg job.Config, progressCb func(job.ChunkDetail)) (job.Manifest, error) {
	segments, err := p.toolkit.Split(ctx, sourcePath, outDir, cfg.ChunkDurationSeconds, cfg.ChunkingStrategy, func(sp media.SplitProgress) {
		if progressCb != nil {
			progressCb(job.ChunkDetail{
				Processed:   sp.Processed,
				TotalChunks: sp.Total,
				Current:     sp.Current,
			})
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return job.Manifest{}, fmt.Errorf("planner: %w", ctx.Err())
		}
		return job.Manifest{}, job.NewError(job.CodeChunkingFailed, job.StageChunk,
			fmt.Sprintf("split source: %v", err))
	}

	if len(segments) == 0 {
		return job.Manifest{}, job.NewError(job.CodeChunkingEmpty, job.StageChunk,
			"split produced no chunks")
	}

	chunks := make([]job.ChunkInfo, len(segments))
	for i, seg := range segments {
		chunks[i] = job.ChunkInfo{
			Index:     i,
			Filename:  filepath.Base(seg.Path),
			StartTime: seg.Start,
			EndTime:   seg.End,
			Duration:  seg.End - seg.Start,
			Path:      seg.Path,
		}
	}

	p.logger.Info("chunk plan ready",
		slog.String("job_id", jobID),
		slog.Int("chunks", len(chunks)),
		slog.String("strategy", string(cfg.ChunkingStrategy)))

	return job.Manifest{
		JobID:                jobID,
		TotalChunks:          len(chunks),
		ChunkDurationSeconds: cfg.ChunkDurationSeconds,
		Chunks:               chunks,
	}, nil
}
