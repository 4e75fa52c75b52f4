// Package db opens and migrates the relational database backing the durable
// usage ledger, admin accounts, and the settings mirror.
package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect identifiers supported by the database layer.
const (
	// DialectPostgres is the PostgreSQL dialect name.
	DialectPostgres = "postgres"
	// DialectSQLite is the SQLite dialect name.
	DialectSQLite = "sqlite"
)

// Open connects to the database identified by dsn. Postgres URLs and
// key=value DSNs use the postgres driver; everything else is treated as a
// SQLite file path.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if isPostgresDSN(dsn) {
		conn, errOpen := gorm.Open(postgres.Open(dsn), cfg)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open postgres: %w", errOpen)
		}
		return conn, nil
	}
	conn, errOpen := gorm.Open(sqlite.Open(dsn), cfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}
	return conn, nil
}

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether the connection uses SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=")
}
