package models

import "time"

// Admin is an operator account for the management API.
type Admin struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username     string `gorm:"type:varchar(255);not null;uniqueIndex"` // Login name.
	PasswordHash string `gorm:"type:varchar(255);not null"`             // bcrypt hash of the password.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
