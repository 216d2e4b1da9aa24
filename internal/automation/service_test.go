package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/source"
	"github.com/voxdub/voxdub-api/internal/workspace"
)

type fakeResolver struct {
	res source.Resolution
	err error
}

func (r *fakeResolver) Resolve(context.Context, string) (source.Resolution, error) {
	return r.res, r.err
}

type retryCall struct {
	job     *job.Job
	indices []int
}

// fakeExecutor records invocations; with block set it parks until the run
// context is cancelled.
type fakeExecutor struct {
	ran     chan *job.Job
	retried chan retryCall
	block   bool
	ctxDone chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		ran:     make(chan *job.Job, 4),
		retried: make(chan retryCall, 4),
		ctxDone: make(chan struct{}),
	}
}

func (e *fakeExecutor) Run(ctx context.Context, j *job.Job) {
	e.ran <- j
	if e.block {
		<-ctx.Done()
		close(e.ctxDone)
	}
}

func (e *fakeExecutor) RunRetry(_ context.Context, j *job.Job, indices []int) {
	e.retried <- retryCall{job: j, indices: indices}
}

type fixture struct {
	service  *Service
	repo     *job.MemoryRepository
	bus      *bus.Bus
	executor *fakeExecutor
}

func newFixture(t *testing.T, executor *fakeExecutor, resolver source.Resolver) *fixture {
	t.Helper()

	manager, err := workspace.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	languages, err := config.LoadLanguages("")
	if err != nil {
		t.Fatalf("languages: %v", err)
	}
	if resolver == nil {
		resolver = &fakeResolver{res: source.Resolution{
			DownloadURL:     "https://host/video.mp4",
			SuggestedTitle:  "video",
			DurationSeconds: 600,
		}}
	}
	if executor == nil {
		executor = newFakeExecutor()
	}

	repo := job.NewMemoryRepository()
	eventBus := bus.New()
	svc := New(Deps{
		Repo:      repo,
		Bus:       eventBus,
		Resolver:  resolver,
		Workspace: manager,
		Executor:  executor,
		Languages: languages,
	})
	return &fixture{service: svc, repo: repo, bus: eventBus, executor: executor}
}

func validConfig() job.Config {
	return job.Config{
		ChunkDurationSeconds: 60,
		TargetLanguage:       "es",
		MaxParallelJobs:      3,
		OutputFormat:         job.FormatMP4,
		ChunkingStrategy:     job.StrategyFixed,
	}
}

func TestStart_AcceptsAndLaunches(t *testing.T) {
	f := newFixture(t, nil, nil)

	res, err := f.service.Start(context.Background(), "https://host/video.mp4", validConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Job.Status != job.StatusPending {
		t.Errorf("expected pending, got %s", res.Job.Status)
	}
	if res.Job.SourceMeta.DurationSeconds != 600 {
		t.Errorf("expected resolved duration 600, got %v", res.Job.SourceMeta.DurationSeconds)
	}
	// 10 minutes at the default rate: 10*0.24 + 10*0.01 = 2.50.
	if res.EstimatedCost.TotalCost != 2.5 {
		t.Errorf("expected cost 2.5, got %v", res.EstimatedCost.TotalCost)
	}
	if res.EstimatedTime.TotalTime <= 0 {
		t.Errorf("expected positive time estimate, got %v", res.EstimatedTime.TotalTime)
	}

	saved, err := f.repo.Get(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("expected job persisted: %v", err)
	}
	if saved.Paths.Root == "" {
		t.Error("expected workspace paths allocated")
	}
	if saved.Progress.EstimatedCompletion.IsZero() {
		t.Error("expected estimated completion set")
	}

	select {
	case ran := <-f.executor.ran:
		if ran.ID != res.Job.ID {
			t.Errorf("executor got job %s, want %s", ran.ID, res.Job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor was not launched")
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		sourceRef string
		mutate    func(*job.Config)
	}{
		{"empty source ref", "", func(*job.Config) {}},
		{"bad chunk duration", "src", func(c *job.Config) { c.ChunkDurationSeconds = 45 }},
		{"unsupported language", "src", func(c *job.Config) { c.TargetLanguage = "xx" }},
		{"too many parallel jobs", "src", func(c *job.Config) { c.MaxParallelJobs = 9 }},
		{"bad output format", "src", func(c *job.Config) { c.OutputFormat = "avi" }},
		{"bad strategy", "src", func(c *job.Config) { c.ChunkingStrategy = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := f.service.Start(ctx, tt.sourceRef, cfg)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if n, _ := f.repo.Count(ctx, nil); n != 0 {
		t.Errorf("expected no jobs persisted, got %d", n)
	}
}

func TestStart_ResolverFailure(t *testing.T) {
	f := newFixture(t, nil, &fakeResolver{err: source.ErrSourceUnavailable})

	_, err := f.service.Start(context.Background(), "https://host/video.mp4", validConfig())
	if !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.service.Get(context.Background(), "missing")
	if !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestList_HasMore(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := job.New("src", validConfig())
		j.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := f.repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	res, err := f.service.List(ctx, job.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 5 || len(res.Jobs) != 2 || !res.HasMore {
		t.Errorf("unexpected page: total=%d len=%d hasMore=%v", res.Total, len(res.Jobs), res.HasMore)
	}

	res, _ = f.service.List(ctx, job.ListFilter{Limit: 2, Offset: 4})
	if len(res.Jobs) != 1 || res.HasMore {
		t.Errorf("expected last page without more: len=%d hasMore=%v", len(res.Jobs), res.HasMore)
	}
}

func TestCancel_RunningJob(t *testing.T) {
	executor := newFakeExecutor()
	executor.block = true
	f := newFixture(t, executor, nil)
	ctx := context.Background()

	res, err := f.service.Start(ctx, "https://host/video.mp4", validConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-executor.ran

	if err := f.service.Cancel(ctx, res.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-executor.ctxDone:
	case <-time.After(2 * time.Second):
		t.Fatal("executor context was not cancelled")
	}
}

func TestCancel_TerminalJobConflicts(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	j := job.New("src", validConfig())
	j.Status = job.StatusComplete
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.service.Cancel(ctx, j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.service.Cancel(context.Background(), "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCancel_OrphanJobFinalizedDirectly(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// A non-terminal job with no executor in this process.
	j := job.New("src", validConfig())
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub := f.bus.Subscribe(j.ID)
	if err := f.service.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := f.repo.Get(ctx, j.ID)
	if saved.Status != job.StatusCancelled {
		t.Errorf("expected cancelled, got %s", saved.Status)
	}
	if saved.Error == nil || saved.Error.Code != job.CodeCancelled {
		t.Errorf("expected CANCELLED error, got %+v", saved.Error)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != bus.EventError || ev.Error.Code != job.CodeCancelled {
			t.Errorf("expected terminal error event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error event")
	}
}

func failedRetriableJob(totalChunks int, failed []int) *job.Job {
	j := job.New("src", validConfig())
	j.Status = job.StatusFailed
	j.Manifest = job.Manifest{TotalChunks: totalChunks}
	j.Error = &job.Error{
		Code:         job.CodeDubChunkFailed,
		Message:      "chunks failed",
		Stage:        job.StageDub,
		Recoverable:  true,
		FailedChunks: failed,
	}
	return j
}

func TestRetry_DefaultsToFailedChunks(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	j := failedRetriableJob(5, []int{1, 3})
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	indices, err := f.service.Retry(ctx, j.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 3 {
		t.Errorf("expected [1 3], got %v", indices)
	}

	select {
	case call := <-f.executor.retried:
		if len(call.indices) != 2 {
			t.Errorf("executor got indices %v", call.indices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry executor was not launched")
	}
}

func TestRetry_FiltersInvalidIndices(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	j := failedRetriableJob(3, []int{2})
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	indices, err := f.service.Retry(ctx, j.ID, []int{-1, 2, 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 1 || indices[0] != 2 {
		t.Errorf("expected [2], got %v", indices)
	}
	<-f.executor.retried
}

func TestRetry_MergeFailureRetriesWithNoChunks(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	j := job.New("src", validConfig())
	j.Status = job.StatusFailed
	j.Manifest = job.Manifest{TotalChunks: 3}
	j.Error = &job.Error{
		Code:        job.CodeMergeFailed,
		Message:     "concat failed",
		Stage:       job.StageMerge,
		Recoverable: true,
	}
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	indices, err := f.service.Retry(ctx, j.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 0 {
		t.Errorf("expected empty retry set, got %v", indices)
	}

	select {
	case call := <-f.executor.retried:
		if len(call.indices) != 0 {
			t.Errorf("executor got indices %v", call.indices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry executor was not launched")
	}
}

func TestRetry_DownloadFailureWithoutChunksIsNoOp(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// Failed during download: recoverable, but no manifest was ever built.
	j := job.New("src", validConfig())
	j.Status = job.StatusFailed
	j.Error = job.NewError(job.CodeDownloadFailed, job.StageDownload, "connection reset before first byte")
	if !j.Error.Recoverable {
		t.Fatal("expected a recoverable download error")
	}
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	indices, err := f.service.Retry(ctx, j.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 0 {
		t.Errorf("expected empty retry set, got %v", indices)
	}

	select {
	case call := <-f.executor.retried:
		t.Fatalf("executor relaunched for a job with no chunk outputs: %v", call.indices)
	case <-time.After(100 * time.Millisecond):
	}

	saved, _ := f.repo.Get(ctx, j.ID)
	if saved.Status != job.StatusFailed {
		t.Errorf("expected job to stay failed, got %s", saved.Status)
	}
	if saved.Error == nil || saved.Error.Code != job.CodeDownloadFailed {
		t.Errorf("expected the original error kept, got %+v", saved.Error)
	}
}

func TestRetry_Conflicts(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	complete := job.New("src", validConfig())
	complete.Status = job.StatusComplete

	nonRecoverable := job.New("src", validConfig())
	nonRecoverable.Status = job.StatusFailed
	nonRecoverable.Error = &job.Error{Code: job.CodeDubAllFailed, Recoverable: false}

	for _, j := range []*job.Job{complete, nonRecoverable} {
		if err := f.repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := f.service.Retry(ctx, j.ID, nil); !errors.Is(err, ErrConflict) {
			t.Errorf("job %s: expected ErrConflict, got %v", j.Status, err)
		}
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if _, err := f.service.Subscribe(ctx, "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	j := job.New("src", validConfig())
	if err := f.repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, err := f.service.Subscribe(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sub.Cancel()

	f.bus.Publish(j.ID, bus.ProgressEvent(job.Progress{Stage: job.StageDub, OverallPercent: 30}))
	select {
	case ev := <-sub.C():
		if ev.Type != bus.EventProgress || ev.Progress.OverallPercent != 30 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a progress event")
	}
}

func TestShutdown_StopsRunningExecutors(t *testing.T) {
	executor := newFakeExecutor()
	executor.block = true
	f := newFixture(t, executor, nil)
	ctx := context.Background()

	if _, err := f.service.Start(ctx, "https://host/video.mp4", validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-executor.ran

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.service.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-executor.ctxDone:
	case <-time.After(time.Second):
		t.Fatal("executor context was not cancelled")
	}
}
