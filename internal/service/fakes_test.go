package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/queue"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"github.com/kursadbilgin/catalog-ingest/internal/storage"
)

// memJobStore follows the JobStore state rules so tests can assert on the
// final job rather than on call sequences.
type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	progress map[string][]domain.Progress

	createErr      error
	claimErr       error
	setProgressErr error
	setTerminalErr error
	getFn          func(ctx context.Context, id string) (*domain.Job, error)
}

var _ repository.JobStore = (*memJobStore)(nil)

func newMemJobStore(jobs ...domain.Job) *memJobStore {
	s := &memJobStore{
		jobs:     make(map[string]*domain.Job),
		progress: make(map[string][]domain.Progress),
	}
	for i := range jobs {
		job := jobs[i]
		s.jobs[job.ID] = &job
	}
	return s
}

func (s *memJobStore) Create(ctx context.Context, job *domain.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrConflict
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) Claim(ctx context.Context, id string) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.State != domain.JobStateQueued {
		return false, nil
	}
	job.State = domain.JobStateRunning
	return true, nil
}

func (s *memJobStore) SetProgress(ctx context.Context, id string, progress domain.Progress) error {
	if s.setProgressErr != nil {
		return s.setProgressErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.IsTerminal() {
		return nil
	}
	job.Progress = progress
	s.progress[id] = append(s.progress[id], progress)
	return nil
}

func (s *memJobStore) SetTerminal(ctx context.Context, id string, outcome domain.TerminalOutcome) error {
	if s.setTerminalErr != nil {
		return s.setTerminalErr
	}
	if err := outcome.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.IsTerminal() {
		return nil
	}
	job.State = outcome.State
	job.Result = outcome.Result
	job.Error = outcome.Error
	if outcome.Result != nil {
		job.Progress = outcome.Result.FinalProgress()
	}
	finished := time.Now().UTC()
	job.FinishedAt = &finished
	return nil
}

func (s *memJobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if job.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(*out[j].FinishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) Delete(ctx context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok && job.IsTerminal() {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memJobStore) snapshot(id string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

func (s *memJobStore) progressHistory(id string) []domain.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Progress(nil), s.progress[id]...)
}

// fakeProductStore records inserts and commits. insertFn sees the 1-based
// insert call number across the session.
type fakeProductStore struct {
	mu        sync.Mutex
	beginErr  error
	insertFn  func(call int, products []domain.Product) error
	commitErr error

	inserts   int
	pending   []domain.Product
	committed []domain.Product
	commits   int
	rollbacks int
}

var _ repository.ProductStore = (*fakeProductStore)(nil)

func (f *fakeProductStore) BeginBulk(ctx context.Context) (repository.BulkSession, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeBulkSession{store: f}, nil
}

func (f *fakeProductStore) committedProducts() []domain.Product {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Product(nil), f.committed...)
}

type fakeBulkSession struct {
	store *fakeProductStore
}

func (s *fakeBulkSession) Insert(ctx context.Context, products []domain.Product) error {
	f := s.store
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++
	if f.insertFn != nil {
		if err := f.insertFn(f.inserts, products); err != nil {
			return err
		}
	}
	f.pending = append(f.pending, products...)
	return nil
}

func (s *fakeBulkSession) Commit() error {
	f := s.store
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, f.pending...)
	f.pending = nil
	f.commits++
	return nil
}

func (s *fakeBulkSession) Rollback() error {
	f := s.store
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = nil
	f.rollbacks++
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, queueName string, msg queue.IngestMessage) error
	published []queue.IngestMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.IngestMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeLimiter struct {
	allowFn func(ctx context.Context, key string) (bool, error)
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, key)
	}
	return true, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (f *fakeNotifier) NotifyTerminal(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, *job)
	return f.err
}

// fakeFileStore wraps a real store and records removals.
type fakeFileStore struct {
	mu      sync.Mutex
	next    FileStore
	removed []string
}

func (f *fakeFileStore) SaveIncoming(ctx context.Context, r io.Reader, name string, chunkSize int, maxBytes int64) (storage.StoredFile, error) {
	return f.next.SaveIncoming(ctx, r, name, chunkSize, maxBytes)
}

func (f *fakeFileStore) Archive(path string, ok bool) (string, error) {
	return f.next.Archive(path, ok)
}

func (f *fakeFileStore) Remove(path string) error {
	f.mu.Lock()
	f.removed = append(f.removed, path)
	f.mu.Unlock()
	return f.next.Remove(path)
}
