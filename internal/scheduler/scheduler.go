// Package scheduler runs the chunk dubbing worker pool: bounded concurrency
// over the chunk manifest, per-chunk retry with backoff, cooperative
// cancellation and index-ordered results.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/provider"
)

// Result is the terminal outcome of one chunk task.
type Result struct {
	ChunkIndex    int
	OutputPath    string
	ProviderJobID string
	Success       bool
	Err           error
}

// MaxChunkRetries bounds per-chunk retry attempts.
const MaxChunkRetries = 3

// Default polling bounds for provider status checks.
const (
	DefaultPollMin = 3 * time.Second
	DefaultPollMax = 20 * time.Second
)

// maxRetryBackoff caps the wait between chunk retry attempts.
const maxRetryBackoff = 30 * time.Second

// progressRate bounds progress emissions per job.
const progressRate = 2 // per second

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollBounds overrides the provider polling interval bounds.
func WithPollBounds(min, max time.Duration) Option {
	return func(s *Scheduler) {
		if min > 0 {
			s.pollMin = min
		}
		if max >= s.pollMin {
			s.pollMax = max
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryObserver registers a callback invoked on every chunk retry.
func WithRetryObserver(fn func(chunkIndex int)) Option {
	return func(s *Scheduler) {
		s.onRetry = fn
	}
}

// WithRetryBase overrides the base unit of the retry backoff.
func WithRetryBase(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryBase = d
		}
	}
}

// Scheduler drives chunk dubbing tasks through the provider.
type Scheduler struct {
	provider  provider.Provider
	pollMin   time.Duration
	pollMax   time.Duration
	retryBase time.Duration
	logger    *slog.Logger
	onRetry   func(chunkIndex int)
}

// New creates a Scheduler for the given provider.
func New(p provider.Provider, opts ...Option) *Scheduler {
	s := &Scheduler{
		provider:  p,
		pollMin:   DefaultPollMin,
		pollMax:   DefaultPollMax,
		retryBase: time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run-scoped mutable state shared by the worker goroutines.
type run struct {
	mu         sync.Mutex
	statuses   []job.ChunkStatus
	limiter    *rate.Limiter
	emit       func(job.DubDetail)
	cancelOnce sync.Once
}

// Run processes the chunks of the manifest selected by indices. A nil
// indices slice selects every chunk. The statuses slice carries chunk state
// across retries and is mutated in place; it must have one entry per
// manifest chunk. Results are returned once every admitted task reaches a
// terminal state, sorted by chunk index; on cancellation the partial results
// of already-terminal tasks are returned.
func (s *Scheduler) Run(ctx context.Context, manifest job.Manifest, cfg job.Config, outDir string, statuses []job.ChunkStatus, indices []int, progressCb func(job.DubDetail)) []Result {
	if indices == nil {
		indices = make([]int, len(manifest.Chunks))
		for i := range manifest.Chunks {
			indices[i] = i
		}
	}

	parallel := cfg.MaxParallelJobs
	if parallel < 1 {
		parallel = 1
	}

	r := &run{
		statuses: statuses,
		limiter:  rate.NewLimiter(progressRate, 1),
	}
	r.emit = func(detail job.DubDetail) {
		if progressCb != nil {
			progressCb(detail)
		}
	}

	sem := semaphore.NewWeighted(int64(parallel))

	var wg sync.WaitGroup
	var resMu sync.Mutex
	var results []Result

	for _, idx := range indices {
		if idx < 0 || idx >= len(manifest.Chunks) {
			continue
		}
		chunk := manifest.Chunks[idx]

		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot; the chunk stays pending.
			break
		}

		wg.Add(1)
		go func(chunk job.ChunkInfo) {
			defer wg.Done()
			defer sem.Release(1)

			res := s.runChunk(ctx, r, chunk, cfg, outDir)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
		}(chunk)
	}

	wg.Wait()

	sort.Slice(results, func(a, b int) bool {
		return results[a].ChunkIndex < results[b].ChunkIndex
	})
	return results
}

// runChunk executes one chunk task through create, poll and download,
// retrying transient failures up to MaxChunkRetries times.
func (s *Scheduler) runChunk(ctx context.Context, r *run, chunk job.ChunkInfo, cfg job.Config, outDir string) Result {
	for {
		outPath, providerJobID, err := s.attempt(ctx, r, chunk, cfg, outDir)
		if err == nil {
			r.setState(chunk.Index, func(st *job.ChunkStatus) {
				st.State = job.ChunkComplete
				st.CompletedAt = time.Now()
				st.Error = ""
			}, true)
			return Result{
				ChunkIndex:    chunk.Index,
				OutputPath:    outPath,
				ProviderJobID: providerJobID,
				Success:       true,
			}
		}

		if ctx.Err() != nil {
			r.finishCancelled(ctx.Err())
			return Result{ChunkIndex: chunk.Index, ProviderJobID: providerJobID, Err: ctx.Err()}
		}

		retryCount := r.retryCount(chunk.Index)
		if !retriable(err) || retryCount >= MaxChunkRetries {
			r.setState(chunk.Index, func(st *job.ChunkStatus) {
				st.State = job.ChunkFailed
				st.CompletedAt = time.Now()
				st.Error = err.Error()
			}, true)
			s.logger.Warn("chunk failed",
				slog.Int("chunk", chunk.Index),
				slog.Int("retries", retryCount),
				slog.String("error", err.Error()))
			return Result{ChunkIndex: chunk.Index, ProviderJobID: providerJobID, Err: err}
		}

		retryCount++
		r.setState(chunk.Index, func(st *job.ChunkStatus) {
			st.State = job.ChunkRetrying
			st.RetryCount = retryCount
			st.Error = err.Error()
		}, true)
		if s.onRetry != nil {
			s.onRetry(chunk.Index)
		}
		s.logger.Info("retrying chunk",
			slog.Int("chunk", chunk.Index),
			slog.Int("attempt", retryCount),
			slog.String("error", err.Error()))

		if !sleepCtx(ctx, s.retryBackoff(retryCount)) {
			r.finishCancelled(ctx.Err())
			return Result{ChunkIndex: chunk.Index, ProviderJobID: providerJobID, Err: ctx.Err()}
		}
	}
}

// attempt performs a single create-poll-download cycle for a chunk.
func (s *Scheduler) attempt(ctx context.Context, r *run, chunk job.ChunkInfo, cfg job.Config, outDir string) (string, string, error) {
	r.setState(chunk.Index, func(st *job.ChunkStatus) {
		st.State = job.ChunkUploading
		if st.StartedAt.IsZero() {
			st.StartedAt = time.Now()
		}
		st.ProviderJobID = ""
	}, false)

	providerJobID, err := s.provider.Create(ctx, provider.CreateRequest{
		SourcePath:     chunk.Path,
		TargetLanguage: cfg.TargetLanguage,
		SourceLanguage: cfg.SourceLanguage,
		UseWatermark:   cfg.UseWatermark,
	})
	if err != nil {
		return "", "", err
	}

	r.setState(chunk.Index, func(st *job.ChunkStatus) {
		st.State = job.ChunkProcessing
		st.ProviderJobID = providerJobID
	}, false)

	status, err := s.poll(ctx, providerJobID)
	if err != nil {
		return "", providerJobID, err
	}
	if status.State == provider.StateFailed {
		err := fmt.Errorf("provider failure: %s", status.ErrorMessage)
		if provider.RetriableFailure(status.ErrorMessage) {
			return "", providerJobID, transientError{err}
		}
		return "", providerJobID, err
	}

	data, err := s.provider.Download(ctx, providerJobID, cfg.TargetLanguage)
	if err != nil {
		return "", providerJobID, err
	}

	outPath := filepath.Join(outDir, fmt.Sprintf("%04d.mp3", chunk.Index))
	if err := os.WriteFile(outPath, data, 0600); err != nil {
		return "", providerJobID, fmt.Errorf("write dubbed audio: %w", err)
	}

	return outPath, providerJobID, nil
}

// poll watches a provider job until it reaches a terminal state. The poll
// interval starts at the minimum, doubles per poll up to the maximum and is
// jittered by ten percent either way.
func (s *Scheduler) poll(ctx context.Context, providerJobID string) (provider.StatusResult, error) {
	interval := s.pollMin
	for {
		if !sleepCtx(ctx, jitter(interval)) {
			return provider.StatusResult{}, ctx.Err()
		}

		status, err := s.provider.Status(ctx, providerJobID)
		if err != nil {
			return provider.StatusResult{}, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}

		interval *= 2
		if interval > s.pollMax {
			interval = s.pollMax
		}
	}
}

// setState mutates one chunk status and emits a progress snapshot. Terminal
// and retry transitions bypass the rate limiter so no state change is lost.
func (r *run) setState(index int, mutate func(*job.ChunkStatus), force bool) {
	r.mu.Lock()
	for i := range r.statuses {
		if r.statuses[i].Index == index {
			mutate(&r.statuses[i])
			break
		}
	}
	detail := snapshotLocked(r.statuses)
	r.mu.Unlock()

	if force || r.limiter.Allow() {
		r.emit(detail)
	}
}

// finishCancelled marks every in-flight chunk failed and emits one snapshot
// covering them all. Workers observe cancellation at different points; the
// once keeps a cancel to at most one trailing progress emission.
func (r *run) finishCancelled(reason error) {
	r.cancelOnce.Do(func() {
		r.mu.Lock()
		now := time.Now()
		for i := range r.statuses {
			switch r.statuses[i].State {
			case job.ChunkUploading, job.ChunkProcessing, job.ChunkRetrying:
				r.statuses[i].State = job.ChunkFailed
				r.statuses[i].CompletedAt = now
				r.statuses[i].Error = reason.Error()
			}
		}
		detail := snapshotLocked(r.statuses)
		r.mu.Unlock()
		r.emit(detail)
	})
}

// retryCount reads the current retry count of a chunk.
func (r *run) retryCount(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.statuses {
		if r.statuses[i].Index == index {
			return r.statuses[i].RetryCount
		}
	}
	return 0
}

// snapshotLocked builds a progress snapshot; callers hold r.mu.
func snapshotLocked(statuses []job.ChunkStatus) job.DubDetail {
	detail := job.DubDetail{
		Chunks: make([]job.ChunkStatus, len(statuses)),
	}
	copy(detail.Chunks, statuses)
	for _, st := range statuses {
		switch st.State {
		case job.ChunkUploading, job.ChunkProcessing:
			detail.Active++
		case job.ChunkComplete:
			detail.Completed++
		case job.ChunkFailed:
			detail.Failed++
		default:
			detail.Pending++
		}
	}
	return detail
}

// transientError marks a provider-reported failure worth retrying.
type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// retriable classifies a chunk attempt error.
func retriable(err error) bool {
	if _, ok := err.(transientError); ok {
		return true
	}
	return provider.Retriable(err)
}

// retryBackoff returns the capped, jittered exponential wait before retry n.
func (s *Scheduler) retryBackoff(n int) time.Duration {
	d := time.Duration(1<<uint(n)) * s.retryBase
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return jitter(d)
}

// jitter spreads a duration by ±10%.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// sleepCtx sleeps for d unless ctx is cancelled first. It reports whether
// the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
