package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
	"gorm.io/gorm"
)

func createRecoveryTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_recovery_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&repository.ErrorRecordModel{},
				&repository.RecoveryAttemptModel{},
				&repository.AlertModel{},
			); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_error_records_category_created ON error_records (category, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.AlertModel{},
				&repository.RecoveryAttemptModel{},
				&repository.ErrorRecordModel{},
			)
		},
	}
}
