package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"go.uber.org/zap"
)

func TestCachedJobStoreGetReadThrough(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	gets := 0
	inner := &fakeJobStore{
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			gets++
			return &domain.Job{ID: id, State: domain.JobStateRunning, Progress: domain.Progress{Inserted: 5000}}, nil
		},
	}

	store, err := NewCachedJobStore(inner, rdb, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		job, err := store.Get(context.Background(), "j1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if job.Progress.Inserted != 5000 {
			t.Fatalf("Inserted = %d, want 5000", job.Progress.Inserted)
		}
	}
	if gets != 1 {
		t.Fatalf("inner Get calls = %d, want 1", gets)
	}

	ttl := rdb.TTL(context.Background(), JobCacheKey("j1")).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("snapshot ttl = %v, want within (0, 1m]", ttl)
	}
}

func TestCachedJobStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewCachedJobStore(&fakeJobStore{}, newTestRedisClient(t), 0, nil)
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	_, err = store.Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCachedJobStoreWritesOverwriteSnapshot(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	current := &domain.Job{ID: "j2", State: domain.JobStateRunning}
	inner := &fakeJobStore{
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			copied := *current
			return &copied, nil
		},
		setTerminalFn: func(ctx context.Context, id string, outcome domain.TerminalOutcome) error {
			current.State = outcome.State
			current.Result = outcome.Result
			return nil
		},
	}

	store, err := NewCachedJobStore(inner, rdb, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	if _, err := store.Get(context.Background(), "j2"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	outcome := domain.CompletedOutcome(domain.JobResult{Inserted: 2, TotalRows: 3})
	if err := store.SetTerminal(context.Background(), "j2", outcome); err != nil {
		t.Fatalf("SetTerminal() error = %v", err)
	}

	raw, err := rdb.Get(context.Background(), JobCacheKey("j2")).Bytes()
	if err != nil {
		t.Fatalf("redis Get() error = %v", err)
	}
	var cached domain.Job
	if err := json.Unmarshal(raw, &cached); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if cached.State != domain.JobStateCompleted {
		t.Fatalf("cached state = %s, want completed", cached.State)
	}
	if cached.Result == nil || cached.Result.Inserted != 2 {
		t.Fatalf("cached result = %+v, want inserted 2", cached.Result)
	}
}

func TestCachedJobStoreReadDoesNotReplaceNewerSnapshot(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	store, err := NewCachedJobStore(&fakeJobStore{}, rdb, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	store.store(context.Background(), &domain.Job{ID: "j3", State: domain.JobStateFailed}, false)
	store.store(context.Background(), &domain.Job{ID: "j3", State: domain.JobStateRunning}, true)

	job, err := store.Get(context.Background(), "j3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
}

func TestCachedJobStoreClaimLostSkipsRefresh(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	inner := &fakeJobStore{
		claimFn: func(ctx context.Context, id string) (bool, error) { return false, nil },
		getFn: func(ctx context.Context, id string) (*domain.Job, error) {
			t.Fatal("Get should not be called when the claim is lost")
			return nil, nil
		},
	}
	store, err := NewCachedJobStore(inner, rdb, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	claimed, err := store.Claim(context.Background(), "j4")
	if err != nil || claimed {
		t.Fatalf("Claim() = %v, %v; want false, nil", claimed, err)
	}
}

func TestCachedJobStoreDeleteEvicts(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	inner := &fakeJobStore{
		deleteFn: func(ctx context.Context, ids []string) (int64, error) { return int64(len(ids)), nil },
	}
	store, err := NewCachedJobStore(inner, rdb, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCachedJobStore() error = %v", err)
	}

	store.store(context.Background(), &domain.Job{ID: "old", State: domain.JobStateCompleted}, false)

	deleted, err := store.Delete(context.Background(), []string{"old"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if n := rdb.Exists(context.Background(), JobCacheKey("old")).Val(); n != 0 {
		t.Fatalf("snapshot still cached (exists=%d)", n)
	}
}

func TestNewCachedJobStoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCachedJobStore(nil, newTestRedisClient(t), 0, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewCachedJobStore(&fakeJobStore{}, nil, 0, nil); err == nil {
		t.Fatal("expected error for nil redis client")
	}
}

type fakeJobStore struct {
	createFn             func(ctx context.Context, job *domain.Job) error
	getFn                func(ctx context.Context, id string) (*domain.Job, error)
	claimFn              func(ctx context.Context, id string) (bool, error)
	setProgressFn        func(ctx context.Context, id string, progress domain.Progress) error
	setTerminalFn        func(ctx context.Context, id string, outcome domain.TerminalOutcome) error
	listFinishedBeforeFn func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	deleteFn             func(ctx context.Context, ids []string) (int64, error)
}

func (f *fakeJobStore) Create(ctx context.Context, job *domain.Job) error {
	if f.createFn != nil {
		return f.createFn(ctx, job)
	}
	return nil
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobStore) Claim(ctx context.Context, id string) (bool, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, id)
	}
	return true, nil
}

func (f *fakeJobStore) SetProgress(ctx context.Context, id string, progress domain.Progress) error {
	if f.setProgressFn != nil {
		return f.setProgressFn(ctx, id, progress)
	}
	return nil
}

func (f *fakeJobStore) SetTerminal(ctx context.Context, id string, outcome domain.TerminalOutcome) error {
	if f.setTerminalFn != nil {
		return f.setTerminalFn(ctx, id, outcome)
	}
	return nil
}

func (f *fakeJobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	if f.listFinishedBeforeFn != nil {
		return f.listFinishedBeforeFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (f *fakeJobStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, ids)
	}
	return 0, nil
}
