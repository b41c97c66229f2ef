// Package ha provides the primitives that let several server and worker
// replicas share one database: named locks for migrations and repository
// reservations.
package ha

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Lock backends.
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config holds configuration for cross-replica locking.
type Config struct {
	// LockBackend selects "database", "redis" or "none".
	LockBackend string

	// RedisURL is used when LockBackend is "redis".
	RedisURL string

	// LockTTL bounds how long a crashed holder can keep a redis lock.
	LockTTL time.Duration

	// MigrationLockEnabled controls whether database migration locking
	// is used to prevent concurrent schema changes.
	MigrationLockEnabled bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockBackend:          BackendDatabase,
		LockTTL:              30 * time.Second,
		MigrationLockEnabled: true,
	}
}

// NewLocker builds the Locker selected by cfg.
func NewLocker(cfg Config, db *gorm.DB) (Locker, error) {
	switch cfg.LockBackend {
	case "", BackendDatabase:
		return NewDatabaseLocker(db), nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis lock backend requires a redis URL")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		return NewRedisLocker(redis.NewClient(opts), "", cfg.LockTTL), nil
	case BackendNone:
		return NoopLocker{}, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}
