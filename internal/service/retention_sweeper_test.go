package service

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/storage"
)

func finishedJob(id string, finishedAt time.Time, archivePath string) domain.Job {
	return domain.Job{
		ID:         id,
		State:      domain.JobStateCompleted,
		Result:     &domain.JobResult{ArchivePath: archivePath},
		FinishedAt: &finishedAt,
	}
}

func TestRetentionSweeperRemovesExpiredJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	failed := domain.Job{
		ID:         "old-failed",
		State:      domain.JobStateFailed,
		Error:      &domain.JobError{Class: domain.FailureParse, ArchivePath: "errors/old-failed.csv"},
		FinishedAt: &old,
	}
	jobs := newMemJobStore(
		finishedJob("old-1", old, "processed/old-1.csv"),
		finishedJob("old-2", old.Add(time.Minute), "processed/old-2.csv"),
		failed,
		finishedJob("recent", recent, "processed/recent.csv"),
		domain.Job{ID: "running", State: domain.JobStateRunning},
	)

	local, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	files := &fakeFileStore{next: local}

	sweeper, err := NewRetentionSweeper(jobs, files, 7*24*time.Hour, time.Minute, 2, nil)
	if err != nil {
		t.Fatalf("NewRetentionSweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return now }

	deleted, err := sweeper.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	for _, id := range []string{"old-1", "old-2", "old-failed"} {
		if _, ok := jobs.snapshot(id); ok {
			t.Fatalf("job %s should be deleted", id)
		}
	}
	for _, id := range []string{"recent", "running"} {
		if _, ok := jobs.snapshot(id); !ok {
			t.Fatalf("job %s should be kept", id)
		}
	}

	if len(files.removed) != 3 {
		t.Fatalf("removed files = %v, want 3", files.removed)
	}
}

func TestRetentionSweeperStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	sweeper, err := NewRetentionSweeper(newMemJobStore(), &fakeFileStore{}, time.Hour, time.Millisecond, 0, nil)
	if err != nil {
		t.Fatalf("NewRetentionSweeper() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestNewRetentionSweeperValidation(t *testing.T) {
	if _, err := NewRetentionSweeper(nil, &fakeFileStore{}, time.Hour, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil job store")
	}
	if _, err := NewRetentionSweeper(newMemJobStore(), &fakeFileStore{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for zero retention")
	}
}
