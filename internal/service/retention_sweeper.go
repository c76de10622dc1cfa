package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetentionScanInterval = time.Hour
	defaultRetentionScanLimit    = 100
)

// RetentionSweeper periodically deletes finished jobs older than the
// retention window together with their archived files.
type RetentionSweeper struct {
	jobs      repository.JobStore
	files     FileStore
	logger    *zap.Logger
	retention time.Duration
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewRetentionSweeper(
	jobs repository.JobStore,
	files FileStore,
	retention time.Duration,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetentionSweeper, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if files == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if interval <= 0 {
		interval = defaultRetentionScanInterval
	}
	if limit <= 0 {
		limit = defaultRetentionScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		jobs:      jobs,
		files:     files,
		logger:    logger,
		retention: retention,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *RetentionSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retention sweeper initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retention sweeper scan failed", zap.Error(err))
			}
		}
	}
}

// sweep removes expired jobs page by page and returns how many were deleted.
func (s *RetentionSweeper) sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)

	var deleted int64
	for {
		expired, err := s.jobs.ListFinishedBefore(ctx, cutoff, s.limit)
		if err != nil {
			return deleted, fmt.Errorf("failed to list expired jobs: %w", err)
		}
		if len(expired) == 0 {
			break
		}

		ids := make([]string, 0, len(expired))
		for i := range expired {
			job := expired[i]
			ids = append(ids, job.ID)

			for _, path := range archivedPaths(&job) {
				if err := s.files.Remove(path); err != nil {
					s.logger.Warn("failed to remove archived file",
						zap.String("jobId", job.ID),
						zap.String("path", path),
						zap.Error(err),
					)
				}
			}
		}

		n, err := s.jobs.Delete(ctx, ids)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete expired jobs: %w", err)
		}
		deleted += n

		if len(expired) < s.limit || n == 0 {
			break
		}
	}

	if deleted > 0 {
		s.logger.Info("expired jobs removed", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}

func archivedPaths(job *domain.Job) []string {
	var paths []string
	if job.Result != nil && job.Result.ArchivePath != "" {
		paths = append(paths, job.Result.ArchivePath)
	}
	if job.Error != nil && job.Error.ArchivePath != "" {
		paths = append(paths, job.Error.ArchivePath)
	}
	return paths
}
