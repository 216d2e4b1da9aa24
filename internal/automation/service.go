// Package automation is the public face of the dubbing engine: it validates
// job submissions, owns the job lifecycle commands (start, cancel, retry) and
// hands out progress subscriptions.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/cost"
	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/metrics"
	"github.com/voxdub/voxdub-api/internal/source"
	"github.com/voxdub/voxdub-api/internal/workspace"
)

// Static errors for lifecycle commands.
var (
	// ErrValidation marks a rejected job submission.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when a command does not apply to the job's
	// current state, such as cancelling a terminal job.
	ErrConflict = errors.New("operation conflicts with job state")
)

// Executor runs the dubbing pipeline for one job.
type Executor interface {
	Run(ctx context.Context, j *job.Job)
	RunRetry(ctx context.Context, j *job.Job, indices []int)
}

// StartResult is the synchronous response to a job submission.
type StartResult struct {
	Job           *job.Job
	EstimatedCost cost.CostEstimate
	EstimatedTime cost.TimeEstimate
}

// ListResult is a page of jobs.
type ListResult struct {
	Jobs    []*job.Job
	Total   int
	HasMore bool
}

// Service orchestrates job submissions and lifecycle commands. It owns the
// per-job cancellation registry; one executor goroutine runs per active job.
type Service struct {
	repo       job.Repository
	bus        *bus.Bus
	resolver   source.Resolver
	workspace  *workspace.Manager
	executor   Executor
	calculator *cost.Calculator
	languages  *config.Languages
	metrics    *metrics.Metrics
	validate   *validator.Validate
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Repo       job.Repository
	Bus        *bus.Bus
	Resolver   source.Resolver
	Workspace  *workspace.Manager
	Executor   Executor
	Calculator *cost.Calculator
	Languages  *config.Languages
	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New creates a Service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	calculator := deps.Calculator
	if calculator == nil {
		calculator = cost.NewCalculator(0, 0)
	}
	return &Service{
		repo:       deps.Repo,
		bus:        deps.Bus,
		resolver:   deps.Resolver,
		workspace:  deps.Workspace,
		executor:   deps.Executor,
		calculator: calculator,
		languages:  deps.Languages,
		metrics:    deps.Metrics,
		validate:   validator.New(),
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start validates a submission, resolves the source, persists the new job and
// launches its executor. It returns as soon as the job is accepted.
func (s *Service) Start(ctx context.Context, sourceRef string, cfg job.Config) (StartResult, error) {
	if err := s.validateSubmission(sourceRef, cfg); err != nil {
		return StartResult{}, err
	}

	res, err := s.resolver.Resolve(ctx, sourceRef)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve source: %w", err)
	}

	j := job.New(sourceRef, cfg)
	j.SetSourceMeta(job.SourceMeta{
		Title:           res.SuggestedTitle,
		DurationSeconds: res.DurationSeconds,
		Resolution:      res.Resolution,
		Codec:           res.Codec,
		FileSizeBytes:   res.ContentLength,
	})

	paths, err := s.workspace.CreateJobDirs(j.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("allocate workspace: %w", err)
	}
	j.SetPaths(paths)

	costEst := s.calculator.Cost(j.SourceMeta, cfg)
	timeEst := s.calculator.Time(j.SourceMeta, cfg)
	j.SetEstimatedCompletion(time.Now().Add(time.Duration(timeEst.TotalTime * float64(time.Second))))

	if err := s.repo.Create(ctx, j); err != nil {
		_ = s.workspace.RemoveJobDirs(j.ID)
		return StartResult{}, fmt.Errorf("persist job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.JobsStarted.Inc()
	}
	s.logger.Info("job accepted",
		slog.String("job_id", j.ID),
		slog.String("target_language", cfg.TargetLanguage),
		slog.Float64("duration_sec", j.SourceMeta.DurationSeconds),
		slog.String("estimated_cost", cost.FormatCost(costEst.TotalCost)))

	s.launch(ctx, j, func(runCtx context.Context) {
		s.executor.Run(runCtx, j)
	})

	return StartResult{Job: j.Snapshot(), EstimatedCost: costEst, EstimatedTime: timeEst}, nil
}

// Get returns the job with the given ID.
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns a newest-first page of jobs.
func (s *Service) List(ctx context.Context, filter job.ListFilter) (ListResult, error) {
	jobs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		Jobs:    jobs,
		Total:   total,
		HasMore: filter.Offset+len(jobs) < total,
	}, nil
}

// Cancel requests cooperative cancellation of a running job. Terminal jobs
// return ErrConflict.
func (s *Service) Cancel(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrConflict, j.Status)
	}

	s.mu.Lock()
	cancel, running := s.cancels[id]
	s.mu.Unlock()

	if running {
		// The executor observes the context and writes the terminal state.
		cancel()
		return nil
	}

	// No executor in this process (accepted but never launched, or an
	// orphan from a restart): finalize directly.
	if err := j.Cancel(j.Progress.Stage); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := s.repo.Update(ctx, j); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsCancelled.Inc()
	}
	s.bus.Publish(id, bus.ErrorEvent(j.Error))
	return nil
}

// Retry re-runs the dub stage of a failed job. A nil or empty indices slice
// retries the recorded failed chunks; an empty effective set skips straight
// to merge, which is how merge and finalize failures are retried. Returns the
// chunk indices being retried.
func (s *Service) Retry(ctx context.Context, id string, indices []int) ([]int, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed || j.Error == nil || !j.Error.Recoverable {
		return nil, fmt.Errorf("%w: job is not retriable", ErrConflict)
	}

	// A failure before chunking left no chunk outputs to overlay. There is
	// nothing for a retry run to redo, so report ok without relaunching.
	if j.Manifest.TotalChunks == 0 {
		return []int{}, nil
	}

	if len(indices) == 0 {
		indices = append([]int(nil), j.Error.FailedChunks...)
	}
	valid := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < j.Manifest.TotalChunks {
			valid = append(valid, idx)
		}
	}

	s.logger.Info("job retry",
		slog.String("job_id", id),
		slog.Int("chunks", len(valid)))

	s.launch(ctx, j, func(runCtx context.Context) {
		s.executor.RunRetry(runCtx, j, valid)
	})
	return valid, nil
}

// Subscribe attaches a progress subscription for the job.
func (s *Service) Subscribe(ctx context.Context, id string) (*bus.Subscription, error) {
	exists, err := s.repo.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, job.ErrJobNotFound
	}
	return s.bus.Subscribe(id), nil
}

// Shutdown cancels every running executor and waits for them to finish or
// for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch starts an executor goroutine with its own cancellation token,
// detached from the caller's request context.
func (s *Service) launch(ctx context.Context, j *job.Job, run func(context.Context)) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cancels[j.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, j.ID)
			s.mu.Unlock()
			cancel()
		}()
		run(runCtx)
	}()
}

// validateSubmission checks a submission against the input contract.
func (s *Service) validateSubmission(sourceRef string, cfg job.Config) error {
	if sourceRef == "" {
		return fmt.Errorf("%w: source reference is required", ErrValidation)
	}
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !job.ValidChunkDuration(cfg.ChunkDurationSeconds) {
		return fmt.Errorf("%w: %v", ErrValidation, job.ErrInvalidChunkDuration)
	}
	if s.languages != nil && !s.languages.Supported(cfg.TargetLanguage) {
		return fmt.Errorf("%w: unsupported target language %q", ErrValidation, cfg.TargetLanguage)
	}
	return nil
}
