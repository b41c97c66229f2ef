// Package database opens the relational store shared by every content
// repository component and holds the column types and lock primitives the
// stores build on.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Config selects the database driver and connection string.
type Config struct {
	Type string
	DSN  string
	// Debug enables gorm SQL logging.
	Debug bool
}

// DefaultConfig returns a file-backed SQLite configuration suitable for
// single-node development.
func DefaultConfig() Config {
	return Config{
		Type: TypeSQLite,
		DSN:  "file:galaxy.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
	}
}

// Open connects to the configured database. Duplicate-key errors are
// translated to gorm.ErrDuplicatedKey where the dialect supports it.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Type == "" {
		cfg.Type = TypeSQLite
	}
	if cfg.DSN == "" {
		if cfg.Type != TypeSQLite {
			return nil, fmt.Errorf("database DSN is required for %s", cfg.Type)
		}
		cfg.DSN = DefaultConfig().DSN
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case TypeSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case TypePostgres:
		dialector = postgres.Open(cfg.DSN)
	case TypeMySQL:
		dialector = gormmysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	logMode := logger.Silent
	if cfg.Debug {
		logMode = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	// SQLite allows a single writer; a single pooled connection keeps
	// concurrent pipeline stages from tripping over "database is locked".
	if cfg.Type == TypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// OpenInMemory opens a fresh shared-cache in-memory SQLite database. Every
// call yields an isolated database; name only makes it recognizable.
func OpenInMemory(name string) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_", "?", "_").Replace(name)
	return Open(Config{
		Type: TypeSQLite,
		DSN:  fmt.Sprintf("file:%s-%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name, uuid.NewString()),
	})
}

// IsUniqueViolation reports whether err was caused by a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Dialect returns the gorm dialector name ("sqlite", "postgres", "mysql").
func Dialect(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return ""
	}
	return db.Dialector.Name()
}
