package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, All())
	return m.Migrate()
}

// All returns every migration in apply order.
func All() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		createScheduledTasksTable(),
		createNotificationsTables(),
		createRecoveryTables(),
		createRecipientContactsTable(),
	}
}

func execAll(tx *gorm.DB, statements []string) error {
	for _, sql := range statements {
		if err := tx.Exec(sql).Error; err != nil {
			return err
		}
	}
	return nil
}
