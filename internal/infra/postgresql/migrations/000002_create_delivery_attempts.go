package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/studentbridge/delivery-engine/internal/store/postgres"
	"gorm.io/gorm"
)

func createDeliveryAttempts() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&postgres.DeliveryAttemptModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_delivery_id ON delivery_attempts (delivery_id, created_at)`,
				// Serves the trailing-window failure-rate counts.
				`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_channel_created ON delivery_attempts (channel, created_at)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&postgres.DeliveryAttemptModel{})
		},
	}
}
