package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
	"gorm.io/gorm"
)

func createRecipientContactsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_recipient_contacts",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ContactModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ContactModel{})
		},
	}
}
