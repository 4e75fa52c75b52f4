// Package usage persists the durable spend audit trail. Writes here never
// gate an admission decision; failures are logged and the counter store
// ledgers remain authoritative.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/promptgate/promptgate/internal/models"
)

// writeTimeout bounds ledger writes so a slow database cannot stall the
// request path that triggered them.
const writeTimeout = 5 * time.Second

// Recorder appends usage rows and serves operator queries.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *Recorder { return &Recorder{db: db} }

// Record appends one usage row. Failures are logged, never returned, so
// ledger durability issues cannot deny or delay admissions.
func (r *Recorder) Record(identity string, costMicros int64, estimated bool, requestedAt time.Time) {
	if r == nil || r.db == nil {
		return
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}

	dbCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	row := models.UsageRecord{
		Identity:    identity,
		CostMicros:  costMicros,
		Estimated:   estimated,
		RequestedAt: requestedAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if errCreate := r.db.WithContext(dbCtx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("usage: failed to persist usage record")
	}
}

// ListRecent returns the newest limit rows, optionally filtered by identity.
func (r *Recorder) ListRecent(ctx context.Context, identityFilter string, limit int) ([]models.UsageRecord, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("usage: recorder not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&models.UsageRecord{}).Order("id DESC").Limit(limit)
	if identityFilter = strings.TrimSpace(identityFilter); identityFilter != "" {
		q = q.Where("identity = ?", identityFilter)
	}
	var rows []models.UsageRecord
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("usage: list: %w", errFind)
	}
	return rows, nil
}
