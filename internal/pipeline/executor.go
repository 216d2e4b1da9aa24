// Package pipeline runs one dubbing job end to end: download, chunk, dub,
// merge, finalize. The executor is the single writer of its job's state; it
// persists every transition and publishes progress on the bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/media"
	"github.com/voxdub/voxdub-api/internal/metrics"
	"github.com/voxdub/voxdub-api/internal/scheduler"
	"github.com/voxdub/voxdub-api/internal/source"
	"github.com/voxdub/voxdub-api/internal/workspace"
)

// Overall-percent bands per stage. Progress within a stage is mapped linearly
// into its band and never regresses within a run.
const (
	percentDownloadStart = 5
	percentDownloadEnd   = 20
	percentChunkEnd      = 25
	percentDubEnd        = 95
	percentMergeEnd      = 98
	percentDone          = 100
)

// DefaultCleanupDelay is how long intermediate artifacts are retained after
// successful completion.
const DefaultCleanupDelay = 24 * time.Hour

// progressRate bounds persisted progress updates per job.
const progressRate = 2 // per second

// Planner produces the chunk manifest for a downloaded source.
type Planner interface {
	Plan(ctx context.Context, jobID, sourcePath, outDir string, cfg job.Config, progressCb func(job.ChunkDetail)) (job.Manifest, error)
}

// Scheduler dubs manifest chunks through the provider.
type Scheduler interface {
	Run(ctx context.Context, manifest job.Manifest, cfg job.Config, outDir string, statuses []job.ChunkStatus, indices []int, progressCb func(job.DubDetail)) []scheduler.Result
}

// Deliverer uploads the final artifact to object storage and returns its URL.
type Deliverer interface {
	Deliver(ctx context.Context, jobID, localPath string) (string, error)
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Repo      job.Repository
	Bus       *bus.Bus
	Resolver  source.Resolver
	Toolkit   media.Toolkit
	Planner   Planner
	Scheduler Scheduler
	Workspace *workspace.Manager
	// Deliverer is optional; when nil the artifact stays local only.
	Deliverer Deliverer
	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// CleanupDelay overrides DefaultCleanupDelay when positive.
	CleanupDelay time.Duration
}

// Executor walks a single job through the pipeline stages.
type Executor struct {
	deps         Deps
	logger       *slog.Logger
	cleanupDelay time.Duration
}

// New creates an Executor.
func New(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := deps.CleanupDelay
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	return &Executor{deps: deps, logger: logger, cleanupDelay: delay}
}

// Run executes the full pipeline for a pending job. It always drives the job
// to a terminal state and publishes the matching terminal event.
func (e *Executor) Run(ctx context.Context, j *job.Job) {
	start := time.Now()
	if e.deps.Metrics != nil {
		e.deps.Metrics.ActiveJobs.Inc()
		defer e.deps.Metrics.ActiveJobs.Dec()
	}

	sourcePath, ok := e.download(ctx, j)
	if !ok {
		return
	}
	if !e.chunk(ctx, j, sourcePath) {
		return
	}
	if !e.dub(ctx, j, nil) {
		return
	}
	e.mergeAndFinalize(ctx, j, start)
}

// RunRetry re-enters the pipeline at the dub stage, re-running only the given
// chunk indices and overlaying their results on the existing outputs.
func (e *Executor) RunRetry(ctx context.Context, j *job.Job, indices []int) {
	start := time.Now()
	if e.deps.Metrics != nil {
		e.deps.Metrics.ActiveJobs.Inc()
		defer e.deps.Metrics.ActiveJobs.Dec()
	}

	j.ResetProgress()
	if !e.dub(ctx, j, indices) {
		return
	}
	e.mergeAndFinalize(ctx, j, start)
}

// download resolves the source and fetches it into the workspace. It returns
// the local source path.
func (e *Executor) download(ctx context.Context, j *job.Job) (string, bool) {
	stageStart := time.Now()
	if !e.transition(ctx, j, job.StatusDownloading) {
		return "", false
	}
	e.setProgress(ctx, j, job.StageDownload, percentDownloadStart, job.StageDetail{Download: &job.DownloadDetail{}})
	e.log(ctx, j, job.LevelInfo, job.StageDownload, "resolving source", nil)

	res, err := e.deps.Resolver.Resolve(ctx, j.SourceRef)
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(ctx, j, job.StageDownload)
			return "", false
		}
		e.fail(ctx, j, job.NewError(job.CodeSourceUnavailable, job.StageDownload,
			fmt.Sprintf("resolve source: %v", err)))
		return "", false
	}

	j.SetSourceMeta(job.SourceMeta{
		Title:           res.SuggestedTitle,
		DurationSeconds: res.DurationSeconds,
		Resolution:      res.Resolution,
		Codec:           res.Codec,
		FileSizeBytes:   res.ContentLength,
	})

	destFile := filepath.Join(j.Paths.Source, sourceFilename(res.DownloadURL))
	limiter := rate.NewLimiter(progressRate, 1)

	var bytesReceived int64
	err = e.deps.Toolkit.Fetch(ctx, res.DownloadURL, destFile, func(fp media.FetchProgress) {
		bytesReceived = fp.Bytes
		if !limiter.Allow() {
			return
		}
		percent := float64(percentDownloadStart)
		if fp.Total > 0 {
			frac := float64(fp.Bytes) / float64(fp.Total)
			percent += frac * (percentDownloadEnd - percentDownloadStart)
		}
		e.setProgress(ctx, j, job.StageDownload, percent, job.StageDetail{Download: &job.DownloadDetail{
			BytesReceived: fp.Bytes,
			TotalBytes:    fp.Total,
			SpeedBps:      fp.SpeedBps,
			ETASeconds:    fp.ETASeconds,
		}})
	})
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(ctx, j, job.StageDownload)
			return "", false
		}
		jerr := job.NewError(job.CodeDownloadFailed, job.StageDownload,
			fmt.Sprintf("fetch source: %v", err))
		// A partial download cannot be resumed, so the failure is only
		// recoverable while no bytes were received.
		if bytesReceived > 0 {
			jerr.Recoverable = false
		}
		e.fail(ctx, j, jerr)
		return "", false
	}

	e.log(ctx, j, job.LevelInfo, job.StageDownload, "source downloaded",
		map[string]string{"bytes": fmt.Sprintf("%d", bytesReceived)})
	e.setProgress(ctx, j, job.StageDownload, percentDownloadEnd, job.StageDetail{Download: &job.DownloadDetail{
		BytesReceived: bytesReceived,
		TotalBytes:    res.ContentLength,
	}})
	e.observeStage(job.StageDownload, stageStart)
	return destFile, true
}

// chunk slices the source into the chunk manifest.
func (e *Executor) chunk(ctx context.Context, j *job.Job, sourcePath string) bool {
	stageStart := time.Now()
	if !e.transition(ctx, j, job.StatusChunking) {
		return false
	}
	e.setProgress(ctx, j, job.StageChunk, percentDownloadEnd, job.StageDetail{Chunk: &job.ChunkDetail{}})

	limiter := rate.NewLimiter(progressRate, 1)
	manifest, err := e.deps.Planner.Plan(ctx, j.ID, sourcePath, j.Paths.Chunks, j.Config, func(d job.ChunkDetail) {
		if !limiter.Allow() {
			return
		}
		percent := float64(percentDownloadEnd)
		if d.TotalChunks > 0 {
			frac := float64(d.Processed) / float64(d.TotalChunks)
			percent += frac * (percentChunkEnd - percentDownloadEnd)
		}
		e.setProgress(ctx, j, job.StageChunk, percent, job.StageDetail{Chunk: &d})
	})
	if err != nil {
		if ctx.Err() != nil {
			e.cancel(ctx, j, job.StageChunk)
			return false
		}
		var jerr *job.Error
		if !errors.As(err, &jerr) {
			jerr = job.NewError(job.CodeChunkingFailed, job.StageChunk, err.Error())
		}
		e.fail(ctx, j, jerr)
		return false
	}

	j.SetManifest(manifest)
	if !e.persist(ctx, j) {
		return false
	}
	e.log(ctx, j, job.LevelInfo, job.StageChunk, "source chunked",
		map[string]string{"chunks": fmt.Sprintf("%d", manifest.TotalChunks)})
	e.setProgress(ctx, j, job.StageChunk, percentChunkEnd, job.StageDetail{Chunk: &job.ChunkDetail{
		Processed:   manifest.TotalChunks,
		TotalChunks: manifest.TotalChunks,
	}})
	e.observeStage(job.StageChunk, stageStart)
	return true
}

// dub runs the chunk scheduler over the manifest, or a subset of it on retry.
func (e *Executor) dub(ctx context.Context, j *job.Job, indices []int) bool {
	stageStart := time.Now()
	if !e.transition(ctx, j, job.StatusDubbing) {
		return false
	}
	e.setProgress(ctx, j, job.StageDub, percentChunkEnd, job.StageDetail{Dub: &job.DubDetail{
		Pending: j.Manifest.TotalChunks,
	}})

	// The scheduler's workers mutate the statuses concurrently; give them a
	// copy and merge it back once the run settles.
	statuses := append([]job.ChunkStatus(nil), j.ChunkStatuses...)
	total := j.Manifest.TotalChunks
	results := e.deps.Scheduler.Run(ctx, j.Manifest, j.Config, j.Paths.Dubbed, statuses, indices, func(d job.DubDetail) {
		percent := float64(percentChunkEnd)
		if total > 0 {
			frac := float64(d.Completed) / float64(total)
			percent += frac * (percentDubEnd - percentChunkEnd)
		}
		e.setProgress(ctx, j, job.StageDub, percent, job.StageDetail{Dub: &d})
	})

	j.SetChunkStatuses(statuses)
	if !e.persist(ctx, j) {
		return false
	}

	if ctx.Err() != nil {
		e.cancel(ctx, j, job.StageDub)
		return false
	}

	var failed []int
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		} else {
			failed = append(failed, res.ChunkIndex)
		}
	}

	if len(failed) > 0 {
		// No surviving chunk output at all means a retry cannot help.
		anyComplete := false
		for _, st := range j.ChunkStatuses {
			if st.State == job.ChunkComplete {
				anyComplete = true
				break
			}
		}
		code := job.CodeDubChunkFailed
		if !anyComplete {
			code = job.CodeDubAllFailed
		}
		jerr := job.NewError(code, job.StageDub,
			fmt.Sprintf("%d of %d chunks failed", len(failed), len(results)))
		jerr.FailedChunks = failed
		e.fail(ctx, j, jerr)
		return false
	}

	e.log(ctx, j, job.LevelInfo, job.StageDub, "all chunks dubbed",
		map[string]string{"chunks": fmt.Sprintf("%d", succeeded)})
	e.setProgress(ctx, j, job.StageDub, percentDubEnd, job.StageDetail{Dub: &job.DubDetail{
		Chunks:    append([]job.ChunkStatus(nil), j.ChunkStatuses...),
		Completed: total,
	}})
	e.observeStage(job.StageDub, stageStart)
	return true
}

// mergeAndFinalize replaces each chunk's audio with its dubbed track,
// concatenates the results in index order and completes the job.
func (e *Executor) mergeAndFinalize(ctx context.Context, j *job.Job, start time.Time) {
	stageStart := time.Now()
	if !e.transition(ctx, j, job.StatusMerging) {
		return
	}
	total := j.Manifest.TotalChunks
	e.setProgress(ctx, j, job.StageMerge, percentDubEnd, job.StageDetail{Merge: &job.MergeDetail{TotalChunks: total}})

	merged := make([]string, 0, total)
	for i, chunk := range j.Manifest.Chunks {
		if ctx.Err() != nil {
			e.cancel(ctx, j, job.StageMerge)
			return
		}

		dubbedAudio := filepath.Join(j.Paths.Dubbed, fmt.Sprintf("%04d.mp3", chunk.Index))
		mergedFile := filepath.Join(j.Paths.Dubbed, fmt.Sprintf("%04d_merged%s", chunk.Index, filepath.Ext(chunk.Filename)))
		if err := e.deps.Toolkit.ReplaceAudio(ctx, chunk.Path, dubbedAudio, mergedFile); err != nil {
			if ctx.Err() != nil {
				e.cancel(ctx, j, job.StageMerge)
				return
			}
			e.fail(ctx, j, job.NewError(job.CodeMergeFailed, job.StageMerge,
				fmt.Sprintf("replace audio for chunk %d: %v", chunk.Index, err)))
			return
		}
		merged = append(merged, mergedFile)

		percent := float64(percentDubEnd)
		if total > 0 {
			percent += float64(i+1) / float64(total) * (percentMergeEnd - percentDubEnd)
		}
		e.setProgress(ctx, j, job.StageMerge, percent, job.StageDetail{Merge: &job.MergeDetail{
			Merged:      i + 1,
			TotalChunks: total,
		}})
	}

	outputFile := filepath.Join(j.Paths.Output, "final."+string(j.Config.OutputFormat))
	if err := e.deps.Toolkit.Concat(ctx, merged, outputFile); err != nil {
		if ctx.Err() != nil {
			e.cancel(ctx, j, job.StageMerge)
			return
		}
		e.fail(ctx, j, job.NewError(job.CodeMergeFailed, job.StageMerge,
			fmt.Sprintf("concatenate merged chunks: %v", err)))
		return
	}
	e.observeStage(job.StageMerge, stageStart)

	// Finalize.
	stageStart = time.Now()
	if !e.transition(ctx, j, job.StatusFinalizing) {
		return
	}
	e.setProgress(ctx, j, job.StageFinalize, percentMergeEnd, job.StageDetail{})

	outputURL := ""
	if e.deps.Deliverer != nil {
		u, err := e.deps.Deliverer.Deliver(ctx, j.ID, outputFile)
		if err != nil {
			if ctx.Err() != nil {
				e.cancel(ctx, j, job.StageFinalize)
				return
			}
			e.fail(ctx, j, job.NewError(job.CodeFinalizeFailed, job.StageFinalize,
				fmt.Sprintf("deliver artifact: %v", err)))
			return
		}
		outputURL = u
	}

	if err := j.Complete(outputFile, outputURL); err != nil {
		e.fail(ctx, j, job.NewError(job.CodeFinalizeFailed, job.StageFinalize,
			fmt.Sprintf("complete job: %v", err)))
		return
	}
	e.setProgress(ctx, j, job.StageFinalize, percentDone, job.StageDetail{})
	if !e.persist(ctx, j) {
		return
	}
	e.observeStage(job.StageFinalize, stageStart)

	e.deps.Workspace.ScheduleCleanup(j.Paths, e.cleanupDelay, j.Config.KeepIntermediateFiles)
	if e.deps.Metrics != nil {
		e.deps.Metrics.JobsCompleted.Inc()
	}

	elapsed := time.Since(start)
	e.logger.Info("job complete",
		slog.String("job_id", j.ID),
		slog.String("output", outputFile),
		slog.Duration("elapsed", elapsed))
	e.deps.Bus.Publish(j.ID, bus.CompleteEvent(outputFile, outputURL, elapsed))
}

// transition moves the job to the next status and persists it. A transition
// can only fail through programmer error or a cancel/retry racing the
// executor; either way the run stops.
func (e *Executor) transition(ctx context.Context, j *job.Job, status job.Status) bool {
	if err := j.TransitionTo(status); err != nil {
		e.logger.Error("invalid status transition",
			slog.String("job_id", j.ID),
			slog.String("to", string(status)),
			slog.String("error", err.Error()))
		return false
	}
	return e.persist(ctx, j)
}

// persist writes the job's current state to the repository. Store failures
// are fatal to the execution.
func (e *Executor) persist(ctx context.Context, j *job.Job) bool {
	if err := e.deps.Repo.Update(context.WithoutCancel(ctx), j.Snapshot()); err != nil {
		e.logger.Error("persist job failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
		jerr := job.NewError(job.CodeStorage, j.Progress.Stage, fmt.Sprintf("persist job: %v", err))
		_ = j.Fail(jerr)
		e.deps.Bus.Publish(j.ID, bus.ErrorEvent(jerr))
		return false
	}
	return true
}

// setProgress updates, persists and publishes the job's live progress.
func (e *Executor) setProgress(ctx context.Context, j *job.Job, stage job.Stage, percent float64, detail job.StageDetail) {
	j.SetProgress(stage, percent, detail)
	snap := j.Snapshot().Progress
	if err := e.deps.Repo.UpdateProgress(context.WithoutCancel(ctx), j.ID, snap); err != nil {
		e.logger.Warn("persist progress failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
	e.deps.Bus.Publish(j.ID, bus.ProgressEvent(snap))
}

// log appends a job log entry, persists it and publishes it on the bus.
func (e *Executor) log(ctx context.Context, j *job.Job, level job.Level, stage job.Stage, msg string, metadata map[string]string) {
	entry := job.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Stage:     stage,
		Message:   msg,
		Metadata:  metadata,
	}
	j.AppendLog(entry)
	if err := e.deps.Repo.AppendLog(context.WithoutCancel(ctx), j.ID, entry); err != nil {
		e.logger.Warn("persist log failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
	e.deps.Bus.Publish(j.ID, bus.LogEvent(entry))
}

// fail drives the job to failed and publishes the terminal error event.
func (e *Executor) fail(ctx context.Context, j *job.Job, jerr *job.Error) {
	e.logger.Warn("job failed",
		slog.String("job_id", j.ID),
		slog.String("code", string(jerr.Code)),
		slog.String("error", jerr.Message))
	if err := j.Fail(jerr); err != nil {
		e.logger.Error("fail transition rejected",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
	e.persist(ctx, j)
	if e.deps.Metrics != nil {
		e.deps.Metrics.JobsFailed.Inc()
	}
	e.deps.Bus.Publish(j.ID, bus.ErrorEvent(jerr))
}

// cancel drives the job to cancelled after the context was observed done.
// Artifacts under the job's paths are retained for the sweeper.
func (e *Executor) cancel(ctx context.Context, j *job.Job, stage job.Stage) {
	e.logger.Info("job cancelled",
		slog.String("job_id", j.ID),
		slog.String("stage", string(stage)))
	if err := j.Cancel(stage); err != nil {
		e.logger.Error("cancel transition rejected",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
	e.persist(ctx, j)
	if e.deps.Metrics != nil {
		e.deps.Metrics.JobsCancelled.Inc()
	}
	e.deps.Bus.Publish(j.ID, bus.ErrorEvent(j.Snapshot().Error))
}

// observeStage records the stage duration metric.
func (e *Executor) observeStage(stage job.Stage, start time.Time) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveStage(string(stage), time.Since(start))
	}
}

// sourceFilename derives the local filename for a source download, keeping
// the remote extension when one is present.
func sourceFilename(downloadURL string) string {
	ext := ".mp4"
	if u, err := url.Parse(downloadURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	return "source" + ext
}
