package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxdub/voxdub-api/internal/job"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testConfig() job.Config {
	return job.Config{
		ChunkDurationSeconds: 60,
		TargetLanguage:       "es",
		MaxParallelJobs:      3,
		OutputFormat:         job.FormatMP4,
		ChunkingStrategy:     job.StrategyFixed,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	j := job.New("https://host/video.mp4", testConfig())
	j.SourceMeta = job.SourceMeta{Title: "video", DurationSeconds: 600}
	j.Paths = job.Paths{Root: "/work/j1", Source: "/work/j1/source"}

	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != j.ID {
		t.Errorf("expected ID %s, got %s", j.ID, saved.ID)
	}
	if saved.Status != job.StatusPending {
		t.Errorf("expected pending, got %s", saved.Status)
	}
	if saved.SourceMeta.Title != "video" || saved.SourceMeta.DurationSeconds != 600 {
		t.Errorf("unexpected source meta: %+v", saved.SourceMeta)
	}
	if saved.Config != testConfig() {
		t.Errorf("unexpected config: %+v", saved.Config)
	}
	if saved.Paths.Root != "/work/j1" {
		t.Errorf("unexpected paths: %+v", saved.Paths)
	}
	if saved.CreatedAt.Sub(j.CreatedAt).Abs() > time.Millisecond {
		t.Errorf("created_at drifted: want %v, got %v", j.CreatedAt, saved.CreatedAt)
	}
}

func TestSQLiteRepository_Create_Duplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())

	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Create(ctx, j); !errors.Is(err, job.ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestSQLiteRepository_Get_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "nonexistent")
	if !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteRepository_Update_RoundTripsEverything(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j.Status = job.StatusFailed
	j.Manifest = job.Manifest{
		JobID:                j.ID,
		TotalChunks:          2,
		ChunkDurationSeconds: 60,
		Chunks: []job.ChunkInfo{
			{Index: 0, Filename: "0000.mp4", StartTime: 0, EndTime: 60, Duration: 60},
			{Index: 1, Filename: "0001.mp4", StartTime: 60, EndTime: 90, Duration: 30},
		},
	}
	j.ChunkStatuses = []job.ChunkStatus{
		{Index: 0, State: job.ChunkComplete},
		{Index: 1, State: job.ChunkFailed, Error: "upload failed", RetryCount: 3},
	}
	j.Error = &job.Error{
		Code:         job.CodeDubChunkFailed,
		Message:      "1 of 2 chunks failed",
		Stage:        job.StageDub,
		Recoverable:  true,
		FailedChunks: []int{1},
	}
	j.CompletedAt = time.Now()
	if err := repo.Update(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", saved.Status)
	}
	if saved.Manifest.TotalChunks != 2 || len(saved.Manifest.Chunks) != 2 {
		t.Errorf("manifest did not round trip: %+v", saved.Manifest)
	}
	if len(saved.ChunkStatuses) != 2 || saved.ChunkStatuses[1].RetryCount != 3 {
		t.Errorf("chunk statuses did not round trip: %+v", saved.ChunkStatuses)
	}
	if saved.Error == nil || saved.Error.Code != job.CodeDubChunkFailed || !saved.Error.Recoverable {
		t.Errorf("error did not round trip: %+v", saved.Error)
	}
	if len(saved.Error.FailedChunks) != 1 || saved.Error.FailedChunks[0] != 1 {
		t.Errorf("failed chunk indices did not round trip: %+v", saved.Error.FailedChunks)
	}
	if saved.CompletedAt.IsZero() {
		t.Error("expected completed_at to be set")
	}
}

func TestSQLiteRepository_Update_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	j := job.New("src", testConfig())
	if err := repo.Update(context.Background(), j); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteRepository_Delete_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.AppendLog(ctx, j.ID, job.LogEntry{Timestamp: time.Now(), Level: job.LevelInfo, Stage: job.StageDownload, Message: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := repo.Delete(ctx, j.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.Get(ctx, j.ID); !errors.Is(err, job.ErrJobNotFound) {
		t.Error("expected job to be gone")
	}
	// Deleting again must succeed.
	if err := repo.Delete(ctx, j.ID); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}

func TestSQLiteRepository_List_NewestFirstWithPaging(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		j := job.New("src", testConfig())
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	jobs, total, err := repo.List(ctx, job.ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].CreatedAt.Before(jobs[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}
}

func TestSQLiteRepository_List_OffsetWithoutLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 4; i++ {
		j := job.New("src", testConfig())
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	jobs, total, err := repo.List(ctx, job.ListFilter{Offset: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 {
		t.Errorf("expected total 4, got %d", total)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}
}

func TestSQLiteRepository_List_StatusFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	running := job.New("src", testConfig())
	running.Status = job.StatusDubbing
	done := job.New("src", testConfig())
	done.Status = job.StatusComplete
	for _, j := range []*job.Job{running, done} {
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	want := job.StatusComplete
	jobs, total, err := repo.List(ctx, job.ListFilter{Status: &want})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(jobs) != 1 {
		t.Fatalf("expected 1 job, got total=%d len=%d", total, len(jobs))
	}
	if jobs[0].Status != job.StatusComplete {
		t.Errorf("expected complete job, got %s", jobs[0].Status)
	}
}

func TestSQLiteRepository_Count(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := job.New("src", testConfig())
		if i == 0 {
			j.Status = job.StatusFailed
		}
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := repo.Count(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	failed := job.StatusFailed
	n, _ = repo.Count(ctx, &failed)
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestSQLiteRepository_UpdateProgress_KeepsLogs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.AppendLog(ctx, j.ID, job.LogEntry{Timestamp: time.Now(), Level: job.LevelInfo, Stage: job.StageDub, Message: "kept"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := job.Progress{
		Stage:          job.StageDub,
		OverallPercent: 42,
		Detail: job.StageDetail{
			Dub: &job.DubDetail{Active: 2, Completed: 1, Pending: 3},
		},
	}
	if err := repo.UpdateProgress(ctx, j.ID, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Progress.OverallPercent != 42 {
		t.Errorf("expected percent 42, got %v", saved.Progress.OverallPercent)
	}
	if saved.Progress.Detail.Dub == nil || saved.Progress.Detail.Dub.Completed != 1 {
		t.Errorf("expected dub detail to round trip, got %+v", saved.Progress.Detail)
	}
	if len(saved.Progress.Logs) != 1 || saved.Progress.Logs[0].Message != "kept" {
		t.Error("expected progress update to keep existing logs")
	}
}

func TestSQLiteRepository_UpdateProgress_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.UpdateProgress(context.Background(), "nonexistent", job.Progress{})
	if !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteRepository_AppendLog_RingCap(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total := job.MaxLogEntries + 50
	for i := 0; i < total; i++ {
		entry := job.LogEntry{
			Timestamp: time.Now(),
			Level:     job.LevelInfo,
			Stage:     job.StageDub,
			Message:   fmt.Sprintf("entry-%d", i),
		}
		if err := repo.AppendLog(ctx, j.ID, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	saved, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saved.Progress.Logs) != job.MaxLogEntries {
		t.Fatalf("expected exactly %d entries, got %d", job.MaxLogEntries, len(saved.Progress.Logs))
	}
	// Oldest surviving entry is the 51st written.
	if saved.Progress.Logs[0].Message != "entry-50" {
		t.Errorf("expected oldest entry-50, got %s", saved.Progress.Logs[0].Message)
	}
	last := saved.Progress.Logs[len(saved.Progress.Logs)-1]
	if last.Message != fmt.Sprintf("entry-%d", total-1) {
		t.Errorf("expected newest entry-%d, got %s", total-1, last.Message)
	}
}

func TestSQLiteRepository_AppendLog_Metadata(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := job.LogEntry{
		Timestamp: time.Now(),
		Level:     job.LevelWarn,
		Stage:     job.StageDub,
		Message:   "chunk retry",
		Metadata:  map[string]string{"chunk": "3", "attempt": "2"},
	}
	if err := repo.AppendLog(ctx, j.ID, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := repo.Get(ctx, j.ID)
	if len(saved.Progress.Logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(saved.Progress.Logs))
	}
	got := saved.Progress.Logs[0]
	if got.Level != job.LevelWarn || got.Stage != job.StageDub {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.Metadata["chunk"] != "3" || got.Metadata["attempt"] != "2" {
		t.Errorf("metadata did not round trip: %+v", got.Metadata)
	}
}

func TestSQLiteRepository_AppendLog_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.AppendLog(context.Background(), "nonexistent", job.LogEntry{Timestamp: time.Now(), Message: "x"})
	if !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteRepository_Exists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := repo.Exists(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected job to exist")
	}
	ok, _ = repo.Exists(ctx, "other")
	if ok {
		t.Error("expected job to not exist")
	}
}

func TestSQLiteRepository_GetRecentlyUpdated(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := job.New("src", testConfig())
	old.UpdatedAt = time.Now().Add(-time.Hour)
	fresh := job.New("src", testConfig())
	for _, j := range []*job.Job{old, fresh} {
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	jobs, err := repo.GetRecentlyUpdated(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != fresh.ID {
		t.Errorf("expected most recently updated job %s", fresh.ID)
	}
}

func TestSQLiteRepository_DeleteOldTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	stale := job.New("src", testConfig())
	stale.Status = job.StatusComplete
	stale.CompletedAt = time.Now().Add(-48 * time.Hour)
	running := job.New("src", testConfig())
	running.Status = job.StatusDubbing
	for _, j := range []*job.Job{stale, running} {
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := repo.DeleteOldTerminal(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if _, err := repo.Get(ctx, stale.ID); !errors.Is(err, job.ErrJobNotFound) {
		t.Error("expected stale job to be gone")
	}
	if _, err := repo.Get(ctx, running.ID); err != nil {
		t.Error("expected running job to survive")
	}
}

func TestSQLiteRepository_ResetInterrupted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	stuck := job.New("src", testConfig())
	stuck.Status = job.StatusDubbing
	stuck.Progress = job.Progress{Stage: job.StageDub, OverallPercent: 55}
	done := job.New("src", testConfig())
	done.Status = job.StatusComplete
	for _, j := range []*job.Job{stuck, done} {
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := repo.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset, got %d", n)
	}

	saved, _ := repo.Get(ctx, stuck.ID)
	if saved.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", saved.Status)
	}
	if saved.Error == nil || saved.Error.Code != job.CodeStorage {
		t.Errorf("expected STORAGE error, got %+v", saved.Error)
	}
	if saved.Error != nil && saved.Error.Stage != job.StageDub {
		t.Errorf("expected dub stage on error, got %s", saved.Error.Stage)
	}
	if saved.CompletedAt.IsZero() {
		t.Error("expected completed_at to be set")
	}
}

func TestSQLiteRepository_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	repo, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	ctx := context.Background()

	j := job.New("src", testConfig())
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	defer reopened.Close()

	saved, err := reopened.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != j.ID {
		t.Errorf("expected ID %s, got %s", j.ID, saved.ID)
	}
}
