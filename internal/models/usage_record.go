package models

import "time"

// UsageRecord is an audit row for billable spend attributed to an identity.
// The counter store remains the admission source of truth; these rows are
// the durable trail for reconciliation and operator review.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Identity   string `gorm:"type:varchar(255);not null;index"` // Stable tracking identity.
	CostMicros int64  `gorm:"not null;default:0"`               // Cost in micro-dollars.
	Estimated  bool   `gorm:"not null;default:false"`           // True for pre-flight estimates, false for reconciled actuals.

	RequestedAt time.Time `gorm:"not null;index"`          // When the billable request ran.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
