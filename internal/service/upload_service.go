package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"github.com/kursadbilgin/catalog-ingest/internal/observability"
	"github.com/kursadbilgin/catalog-ingest/internal/queue"
	"github.com/kursadbilgin/catalog-ingest/internal/ratelimit"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"github.com/kursadbilgin/catalog-ingest/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultMaxUploadBytes int64 = 200 * 1024 * 1024
	acceptedExtension           = ".csv"
)

// FileStore persists uploads and moves them between lifecycle directories.
type FileStore interface {
	SaveIncoming(ctx context.Context, r io.Reader, name string, chunkSize int, maxBytes int64) (storage.StoredFile, error)
	Archive(path string, ok bool) (string, error)
	Remove(path string) error
}

// UploadRequest is one file handed over by a client. DeclaredSize is the
// size the client announced; a negative value means unknown.
type UploadRequest struct {
	FileName     string
	DeclaredSize int64
	Body         io.Reader
	ClientKey    string
}

// UploadReceipt is returned once a file is on disk and its job is enqueued.
type UploadReceipt struct {
	JobID    string
	FileName string
	FilePath string
	Size     int64
	State    domain.JobState
}

type UploadService struct {
	jobs      repository.JobStore
	publisher queue.Publisher
	files     FileStore
	limiter   ratelimit.Limiter
	metrics   *observability.Metrics
	logger    *zap.Logger
	maxBytes  int64
	chunkSize int
	now       func() time.Time
	newID     func() string
}

func NewUploadService(
	jobs repository.JobStore,
	publisher queue.Publisher,
	files FileStore,
	maxBytes int64,
	chunkSize int,
	logger *zap.Logger,
) (*UploadService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if files == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &UploadService{
		jobs:      jobs,
		publisher: publisher,
		files:     files,
		logger:    logger,
		maxBytes:  maxBytes,
		chunkSize: chunkSize,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (s *UploadService) SetRateLimiter(limiter ratelimit.Limiter) {
	if s == nil {
		return
	}
	s.limiter = limiter
}

func (s *UploadService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *UploadService) MaxBytes() int64 { return s.maxBytes }

// Accept validates the request, stores the file, records a queued job and
// publishes it for ingestion. Rejected requests leave no file and no job.
func (s *UploadService) Accept(ctx context.Context, req UploadRequest) (*UploadReceipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.checkRateLimit(ctx, req.ClientKey); err != nil {
		s.metrics.ObserveUpload("rate_limited", 0)
		return nil, err
	}
	if err := s.validate(req); err != nil {
		s.metrics.ObserveUpload("rejected", 0)
		return nil, err
	}

	stored, err := s.files.SaveIncoming(ctx, req.Body, req.FileName, s.chunkSize, s.maxBytes)
	if err != nil {
		s.metrics.ObserveUpload(rejectionOutcome(err), 0)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:        s.newID(),
		FileName:  storage.SanitizeName(req.FileName),
		FilePath:  stored.Path,
		FileSize:  stored.Size,
		State:     domain.JobStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("jobId", job.ID),
		zap.String("fileName", job.FileName),
	)

	if err := s.jobs.Create(ctx, job); err != nil {
		s.removeFile(logger, stored.Path)
		s.metrics.ObserveUpload("failed", 0)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.IngestMessage{
		JobID:         job.ID,
		FilePath:      stored.Path,
		CorrelationID: correlationID,
	}
	if err := s.publisher.Publish(ctx, queue.IngestQueue, msg); err != nil {
		logger.Error("failed to publish ingest message", zap.Error(err))
		s.failEnqueue(ctx, logger, job, err)
		s.removeFile(logger, stored.Path)
		s.metrics.ObserveUpload("failed", 0)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.metrics.ObserveUpload("accepted", stored.Size)
	logger.Info("upload accepted", zap.Int64("size", stored.Size))

	return &UploadReceipt{
		JobID:    job.ID,
		FileName: job.FileName,
		FilePath: stored.Path,
		Size:     stored.Size,
		State:    job.State,
	}, nil
}

func (s *UploadService) validate(req UploadRequest) error {
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return fmt.Errorf("%w: file name is required", domain.ErrValidation)
	}
	if !strings.EqualFold(filepath.Ext(name), acceptedExtension) {
		return fmt.Errorf("%w: only %s files are accepted", domain.ErrUnsupportedFileType, acceptedExtension)
	}
	if req.DeclaredSize > s.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrFileTooLarge, req.DeclaredSize, s.maxBytes)
	}
	if req.Body == nil {
		return fmt.Errorf("%w: file body is required", domain.ErrValidation)
	}
	return nil
}

// checkRateLimit fails open when the limiter backend is unavailable.
func (s *UploadService) checkRateLimit(ctx context.Context, key string) error {
	if s.limiter == nil || strings.TrimSpace(key) == "" {
		return nil
	}

	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("upload rate limiter unavailable", zap.String("client", key), zap.Error(err))
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: too many uploads from %s", domain.ErrRateLimited, key)
	}
	return nil
}

func (s *UploadService) failEnqueue(ctx context.Context, logger *zap.Logger, job *domain.Job, cause error) {
	outcome := domain.FailedOutcome(domain.JobError{
		Message:  cause.Error(),
		Class:    domain.FailureEnqueue,
		FailedAt: s.now().UTC(),
	})
	if err := s.jobs.SetTerminal(context.WithoutCancel(ctx), job.ID, outcome); err != nil {
		logger.Error("failed to mark job as failed after publish error", zap.Error(err))
	}
}

func (s *UploadService) removeFile(logger *zap.Logger, path string) {
	if err := s.files.Remove(path); err != nil {
		logger.Warn("failed to remove upload file", zap.String("path", path), zap.Error(err))
	}
}

func rejectionOutcome(err error) string {
	if errors.Is(err, domain.ErrFileTooLarge) {
		return "rejected"
	}
	return "failed"
}
