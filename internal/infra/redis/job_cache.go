package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultJobCacheTTL = time.Hour

var _ repository.JobStore = (*CachedJobStore)(nil)

// CachedJobStore keeps a Redis snapshot of every job in front of the durable
// store so status readers do not hit PostgreSQL on every poll. Writers
// overwrite the snapshot after each successful write; readers only fill a
// missing key (SET NX), so a slow reader can never replace a newer snapshot.
type CachedJobStore struct {
	next   repository.JobStore
	client *goredis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedJobStore(next repository.JobStore, client *goredis.Client, ttl time.Duration, logger *zap.Logger) (*CachedJobStore, error) {
	if next == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultJobCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachedJobStore{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func JobCacheKey(id string) string {
	return "job_status:" + strings.TrimSpace(id)
}

func (s *CachedJobStore) Create(ctx context.Context, job *domain.Job) error {
	if err := s.next.Create(ctx, job); err != nil {
		return err
	}
	s.store(ctx, job, false)
	return nil
}

func (s *CachedJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := s.client.Get(ctx, JobCacheKey(id)).Bytes()
	switch {
	case err == nil:
		var job domain.Job
		if decodeErr := json.Unmarshal(raw, &job); decodeErr == nil {
			return &job, nil
		}
		s.logger.Warn("discarding undecodable job snapshot", zap.String("jobId", id))
	case !errors.Is(err, goredis.Nil):
		s.logger.Warn("job cache read failed", zap.String("jobId", id), zap.Error(err))
	}

	job, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, job, true)
	return job, nil
}

func (s *CachedJobStore) Claim(ctx context.Context, id string) (bool, error) {
	claimed, err := s.next.Claim(ctx, id)
	if err != nil || !claimed {
		return claimed, err
	}
	s.refresh(ctx, id)
	return true, nil
}

func (s *CachedJobStore) SetProgress(ctx context.Context, id string, progress domain.Progress) error {
	if err := s.next.SetProgress(ctx, id, progress); err != nil {
		return err
	}
	s.refresh(ctx, id)
	return nil
}

func (s *CachedJobStore) SetTerminal(ctx context.Context, id string, outcome domain.TerminalOutcome) error {
	if err := s.next.SetTerminal(ctx, id, outcome); err != nil {
		return err
	}
	s.refresh(ctx, id)
	return nil
}

func (s *CachedJobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	return s.next.ListFinishedBefore(ctx, cutoff, limit)
}

func (s *CachedJobStore) Delete(ctx context.Context, ids []string) (int64, error) {
	deleted, err := s.next.Delete(ctx, ids)
	if err != nil {
		return deleted, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, JobCacheKey(id))
	}
	if len(keys) > 0 {
		if delErr := s.client.Del(ctx, keys...).Err(); delErr != nil {
			s.logger.Warn("job cache eviction failed", zap.Int("count", len(keys)), zap.Error(delErr))
		}
	}
	return deleted, nil
}

// refresh reloads the durable row and overwrites the snapshot. A failure
// drops the key so the next read falls through to the store.
func (s *CachedJobStore) refresh(ctx context.Context, id string) {
	job, err := s.next.Get(ctx, id)
	if err != nil {
		s.logger.Warn("job cache refresh failed", zap.String("jobId", id), zap.Error(err))
		if delErr := s.client.Del(ctx, JobCacheKey(id)).Err(); delErr != nil {
			s.logger.Warn("job cache eviction failed", zap.String("jobId", id), zap.Error(delErr))
		}
		return
	}
	s.store(ctx, job, false)
}

func (s *CachedJobStore) store(ctx context.Context, job *domain.Job, onlyIfMissing bool) {
	if job == nil {
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.Warn("job snapshot encode failed", zap.String("jobId", job.ID), zap.Error(err))
		return
	}

	key := JobCacheKey(job.ID)
	if onlyIfMissing {
		err = s.client.SetNX(ctx, key, payload, s.ttl).Err()
	} else {
		err = s.client.Set(ctx, key, payload, s.ttl).Err()
	}
	if err != nil {
		s.logger.Warn("job cache write failed", zap.String("jobId", job.ID), zap.Error(err))
	}
}
