package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func enableCitextExtension() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_enable_citext",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE EXTENSION IF NOT EXISTS citext`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP EXTENSION IF EXISTS citext`).Error
		},
	}
}
