package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"gorm.io/gorm"
)

var (
	activeJobStates   = []domain.JobState{domain.JobStateQueued, domain.JobStateRunning}
	terminalJobStates = []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed}
)

// JobStore is the durable job state store. Each job has a single writer
// (the upload path until enqueue, then its worker) and any number of readers.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	// Claim moves a queued job to running and reports whether the caller won it.
	Claim(ctx context.Context, id string) (bool, error)
	// SetProgress is a no-op once the job is terminal.
	SetProgress(ctx context.Context, id string, progress domain.Progress) error
	// SetTerminal is idempotent: the first terminal write wins.
	SetTerminal(ctx context.Context, id string, outcome domain.TerminalOutcome) error
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

type GormJobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db, now: time.Now}
}

func (r *GormJobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	model, err := jobModelFromDomain(job)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
		}
		return err
	}

	created, err := jobModelToDomain(model)
	if err != nil {
		return err
	}
	*job = *created
	return nil
}

func (r *GormJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model)
}

func (r *GormJobRepo) Claim(ctx context.Context, id string) (bool, error) {
	now := r.now().UTC()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND state = ?", id, domain.JobStateQueued).
		Updates(map[string]any{
			"state":      domain.JobStateRunning,
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

func (r *GormJobRepo) SetProgress(ctx context.Context, id string, progress domain.Progress) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND state IN ?", id, activeJobStates).
		Updates(map[string]any{
			"inserted":   progress.Inserted,
			"total_rows": progress.Total,
			"percent":    progress.Percent,
			"throughput": progress.Throughput,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *GormJobRepo) SetTerminal(ctx context.Context, id string, outcome domain.TerminalOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}

	result, err := encodeJSONColumn(outcome.Result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	jobErr, err := encodeJSONColumn(outcome.Error)
	if err != nil {
		return fmt.Errorf("failed to encode job error: %w", err)
	}

	updates := terminalUpdates(outcome, result, jobErr, r.now().UTC())

	res := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND state NOT IN ?", id, terminalJobStates).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *GormJobRepo) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", terminalJobStates, cutoff).
		Order("finished_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		job, err := jobModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (r *GormJobRepo) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("id IN ? AND state IN ?", ids, terminalJobStates).
		Delete(&JobModel{})
	return result.RowsAffected, result.Error
}

func (r *GormJobRepo) ensureExists(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&JobModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return nil
}
