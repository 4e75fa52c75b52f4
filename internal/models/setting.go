package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting is the durable mirror of a dynamic config value. The counter
// store is the read path; rows here survive store restarts and are seeded
// back in at boot.
type Setting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key   string         `gorm:"type:varchar(255);not null;uniqueIndex"` // Config key.
	Value datatypes.JSON `gorm:"not null"`                               // JSON value payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
