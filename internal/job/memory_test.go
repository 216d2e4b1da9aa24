package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())

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
}

func TestMemoryRepository_Create_Duplicate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())

	_ = repo.Create(ctx, j)
	if err := repo.Create(ctx, j); err != ErrDuplicateJob {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestMemoryRepository_Get_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), "nonexistent")
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())
	_ = repo.Create(ctx, j)

	_ = j.TransitionTo(StatusDownloading)
	if err := repo.Update(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := repo.Get(ctx, j.ID)
	if saved.Status != StatusDownloading {
		t.Errorf("expected status %s, got %s", StatusDownloading, saved.Status)
	}
}

func TestMemoryRepository_Update_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	j := New("src", testConfig())
	if err := repo.Update(context.Background(), j); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Delete_Idempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())
	_ = repo.Create(ctx, j)

	if err := repo.Delete(ctx, j.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Deleting again must succeed.
	if err := repo.Delete(ctx, j.ID); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}

func TestMemoryRepository_List_NewestFirstWithPaging(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := New("src", testConfig())
		j.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		_ = repo.Create(ctx, j)
	}

	jobs, total, err := repo.List(ctx, ListFilter{Limit: 2, Offset: 1})
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

func TestMemoryRepository_List_StatusFilter(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	running := New("src", testConfig())
	running.Status = StatusDubbing
	done := New("src", testConfig())
	done.Status = StatusComplete
	_ = repo.Create(ctx, running)
	_ = repo.Create(ctx, done)

	want := StatusComplete
	jobs, total, _ := repo.List(ctx, ListFilter{Status: &want})
	if total != 1 || len(jobs) != 1 {
		t.Fatalf("expected 1 job, got total=%d len=%d", total, len(jobs))
	}
	if jobs[0].Status != StatusComplete {
		t.Errorf("expected complete job, got %s", jobs[0].Status)
	}
}

func TestMemoryRepository_Count(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := New("src", testConfig())
		if i == 0 {
			j.Status = StatusFailed
		}
		_ = repo.Create(ctx, j)
	}

	n, _ := repo.Count(ctx, nil)
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	failed := StatusFailed
	n, _ = repo.Count(ctx, &failed)
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestMemoryRepository_UpdateProgress_KeepsLogs(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())
	_ = repo.Create(ctx, j)
	_ = repo.AppendLog(ctx, j.ID, LogEntry{Message: "kept"})

	err := repo.UpdateProgress(ctx, j.ID, Progress{Stage: StageDub, OverallPercent: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := repo.Get(ctx, j.ID)
	if saved.Progress.OverallPercent != 42 {
		t.Errorf("expected percent 42, got %v", saved.Progress.OverallPercent)
	}
	if len(saved.Progress.Logs) != 1 || saved.Progress.Logs[0].Message != "kept" {
		t.Error("expected progress update to keep existing logs")
	}
}

func TestMemoryRepository_AppendLog_RingCapUnderContention(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())
	_ = repo.Create(ctx, j)

	const writers = 4
	const perWriter = 300 // 1200 total, above the cap

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = repo.AppendLog(ctx, j.ID, LogEntry{
					Message: fmt.Sprintf("w%d-%d", w, i),
				})
			}
		}(w)
	}
	wg.Wait()

	saved, _ := repo.Get(ctx, j.ID)
	if len(saved.Progress.Logs) != MaxLogEntries {
		t.Errorf("expected exactly %d entries, got %d", MaxLogEntries, len(saved.Progress.Logs))
	}
}

func TestMemoryRepository_Exists(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	j := New("src", testConfig())
	_ = repo.Create(ctx, j)

	ok, _ := repo.Exists(ctx, j.ID)
	if !ok {
		t.Error("expected job to exist")
	}
	ok, _ = repo.Exists(ctx, "other")
	if ok {
		t.Error("expected job to not exist")
	}
}

func TestMemoryRepository_GetRecentlyUpdated(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	old := New("src", testConfig())
	old.UpdatedAt = time.Now().Add(-time.Hour)
	fresh := New("src", testConfig())
	_ = repo.Create(ctx, old)
	_ = repo.Create(ctx, fresh)

	jobs, err := repo.GetRecentlyUpdated(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != fresh.ID {
		t.Errorf("expected most recently updated job %s", fresh.ID)
	}
}

func TestMemoryRepository_DeleteOldTerminal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	stale := New("src", testConfig())
	stale.Status = StatusComplete
	stale.CompletedAt = time.Now().Add(-48 * time.Hour)
	running := New("src", testConfig())
	running.Status = StatusDubbing
	_ = repo.Create(ctx, stale)
	_ = repo.Create(ctx, running)

	n, err := repo.DeleteOldTerminal(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if _, err := repo.Get(ctx, stale.ID); err != ErrJobNotFound {
		t.Error("expected stale job to be gone")
	}
	if _, err := repo.Get(ctx, running.ID); err != nil {
		t.Error("expected running job to survive")
	}
}

func TestMemoryRepository_ResetInterrupted(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	stuck := New("src", testConfig())
	stuck.Status = StatusDubbing
	done := New("src", testConfig())
	done.Status = StatusComplete
	_ = repo.Create(ctx, stuck)
	_ = repo.Create(ctx, done)

	n, err := repo.ResetInterrupted(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset, got %d", n)
	}

	saved, _ := repo.Get(ctx, stuck.ID)
	if saved.Status != StatusFailed {
		t.Errorf("expected failed, got %s", saved.Status)
	}
	if saved.Error == nil || saved.Error.Code != CodeStorage {
		t.Errorf("expected STORAGE error, got %+v", saved.Error)
	}
}
