package db

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models that make up the tracking store schema.
func AllModels() []interface{} {
	return []interface{}{
		&models.TrackingRecord{},
		&models.ReleaseItem{},
	}
}

// AutoMigrate creates or updates the tracking and release tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
