package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/catalog-ingest/internal/domain"
	"gorm.io/gorm"
)

// maxRowsPerStatement keeps a single INSERT under the PostgreSQL bind
// parameter limit (65535) for the five product columns.
const maxRowsPerStatement = 10000

// ProductStore opens bulk write sessions for the products table.
type ProductStore interface {
	BeginBulk(ctx context.Context) (BulkSession, error)
}

// BulkSession appends products inside a transaction that is committed in
// slices. After Commit the next Insert opens a fresh transaction.
type BulkSession interface {
	Insert(ctx context.Context, products []domain.Product) error
	Commit() error
	Rollback() error
}

type GormProductRepo struct {
	db *gorm.DB
}

func NewGormProductRepo(db *gorm.DB) *GormProductRepo {
	return &GormProductRepo{db: db}
}

func (r *GormProductRepo) BeginBulk(ctx context.Context) (BulkSession, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("product repository is not initialized")
	}
	return &gormBulkSession{db: r.db, now: time.Now}, nil
}

type gormBulkSession struct {
	db  *gorm.DB
	tx  *gorm.DB
	now func() time.Time
}

func (s *gormBulkSession) Insert(ctx context.Context, products []domain.Product) error {
	if len(products) == 0 {
		return nil
	}

	if s.tx == nil {
		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("failed to begin transaction: %w", tx.Error)
		}
		s.tx = tx
	}

	models := productModelsFromDomain(products, s.now().UTC())
	if err := s.tx.WithContext(ctx).CreateInBatches(&models, maxRowsPerStatement).Error; err != nil {
		return fmt.Errorf("failed to insert %d products: %w", len(models), err)
	}
	return nil
}

func (s *gormBulkSession) Commit() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit products: %w", err)
	}
	return nil
}

func (s *gormBulkSession) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback().Error
}
