package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
)

// JobModel is the persistence model for the jobs table.
type JobModel struct {
	ID         string          `gorm:"type:uuid;primaryKey"`
	FileName   string          `gorm:"type:varchar(255);not null"`
	FilePath   string          `gorm:"type:text;not null"`
	FileSize   int64           `gorm:"not null;default:0"`
	State      domain.JobState `gorm:"type:varchar(20);not null"`
	Inserted   int             `gorm:"not null;default:0"`
	TotalRows  int             `gorm:"not null;default:0"`
	Percent    float64         `gorm:"not null;default:0"`
	Throughput float64         `gorm:"not null;default:0"`
	Result     *string         `gorm:"type:text"`
	Error      *string         `gorm:"type:text"`
	CreatedAt  time.Time
	StartedAt  *time.Time `gorm:"type:timestamptz"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
	UpdatedAt  time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

// ProductModel is the persistence model for the products table. SKU is
// CITEXT and deliberately not unique: bulk loads append.
type ProductModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	SKU         string `gorm:"column:sku;type:citext;not null"`
	Name        string `gorm:"type:varchar(255);not null"`
	Description string `gorm:"type:text;not null;default:''"`
	Status      string `gorm:"type:varchar(20);not null;default:'active'"`
	CreatedAt   time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

func jobModelFromDomain(j *domain.Job) (*JobModel, error) {
	if j == nil {
		return nil, nil
	}

	result, err := encodeJSONColumn(j.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job result: %w", err)
	}
	jobErr, err := encodeJSONColumn(j.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job error: %w", err)
	}

	return &JobModel{
		ID:         j.ID,
		FileName:   j.FileName,
		FilePath:   j.FilePath,
		FileSize:   j.FileSize,
		State:      j.State,
		Inserted:   j.Progress.Inserted,
		TotalRows:  j.Progress.Total,
		Percent:    j.Progress.Percent,
		Throughput: j.Progress.Throughput,
		Result:     result,
		Error:      jobErr,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		UpdatedAt:  j.UpdatedAt,
	}, nil
}

func jobModelToDomain(m *JobModel) (*domain.Job, error) {
	if m == nil {
		return nil, nil
	}

	job := &domain.Job{
		ID:       m.ID,
		FileName: m.FileName,
		FilePath: m.FilePath,
		FileSize: m.FileSize,
		State:    m.State,
		Progress: domain.Progress{
			Inserted:   m.Inserted,
			Total:      m.TotalRows,
			Percent:    m.Percent,
			Throughput: m.Throughput,
		},
		CreatedAt:  m.CreatedAt,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		UpdatedAt:  m.UpdatedAt,
	}

	if m.Result != nil {
		var result domain.JobResult
		if err := json.Unmarshal([]byte(*m.Result), &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", m.ID, err)
		}
		job.Result = &result
	}
	if m.Error != nil {
		var jobErr domain.JobError
		if err := json.Unmarshal([]byte(*m.Error), &jobErr); err != nil {
			return nil, fmt.Errorf("failed to decode error of job %s: %w", m.ID, err)
		}
		job.Error = &jobErr
	}

	return job, nil
}

// terminalUpdates builds the column set for a terminal write. A completed
// job stores its final progress, a failed one only its committed count.
func terminalUpdates(outcome domain.TerminalOutcome, result *string, jobErr *string, now time.Time) map[string]any {
	updates := map[string]any{
		"state":       outcome.State,
		"result":      result,
		"error":       jobErr,
		"finished_at": now,
		"updated_at":  now,
	}
	switch {
	case outcome.Result != nil:
		final := outcome.Result.FinalProgress()
		updates["inserted"] = final.Inserted
		updates["total_rows"] = final.Total
		updates["percent"] = final.Percent
		updates["throughput"] = final.Throughput
	case outcome.Error != nil:
		updates["inserted"] = outcome.Error.InsertedBeforeFailure
	}
	return updates
}

func productModelsFromDomain(products []domain.Product, createdAt time.Time) []ProductModel {
	models := make([]ProductModel, 0, len(products))
	for _, p := range products {
		status := p.Status
		if status == "" {
			status = domain.ProductStatusActive
		}
		models = append(models, ProductModel{
			SKU:         p.SKU,
			Name:        p.Name,
			Description: p.Description,
			Status:      status,
			CreatedAt:   createdAt,
		})
	}
	return models
}

func encodeJSONColumn[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	encoded := string(raw)
	return &encoded, nil
}
