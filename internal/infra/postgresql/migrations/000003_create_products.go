package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/catalog-ingest/internal/repository"
	"gorm.io/gorm"
)

func createProductsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_products",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ProductModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_products_sku ON products (sku)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProductModel{})
		},
	}
}
