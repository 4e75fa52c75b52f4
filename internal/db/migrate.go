package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/promptgate/promptgate/internal/models"
)

// Migrate runs schema migrations for the durable tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.Setting{},
		&models.UsageRecord{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}
