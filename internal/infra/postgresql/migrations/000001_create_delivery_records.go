package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/studentbridge/delivery-engine/internal/store/postgres"
	"gorm.io/gorm"
)

func createDeliveryRecords() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_delivery_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&postgres.DeliveryRecordModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_records_channel_created ON delivery_records (channel, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_records_status_channel ON delivery_records (status, channel)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_records_notification_id ON delivery_records (notification_id)`,
				`CREATE INDEX IF NOT EXISTS idx_delivery_records_user_id ON delivery_records (user_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&postgres.DeliveryRecordModel{})
		},
	}
}
