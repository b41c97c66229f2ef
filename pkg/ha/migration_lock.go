package ha

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// Locker serializes work on a named resource across every process that
// shares the database (or redis instance). It is used around schema
// migrations and for repository reservations held by tasks.
type Locker interface {
	// WithLock executes fn while holding the lock for name.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// MigrationLockName is the lock taken around AutoMigrate.
const MigrationLockName = "galaxy-migration"

// NewDatabaseLocker creates a Locker appropriate for the database dialect.
// PostgreSQL uses session advisory locks; other databases use a table-based
// fallback. The lock table is created immediately for the fallback strategy.
func NewDatabaseLocker(db *gorm.DB) Locker {
	if db == nil {
		return NoopLocker{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{db: db}
	}
	// Create the lock table immediately so that concurrent callers never
	// hit "no such table" errors on their first WithLock call.
	_ = db.AutoMigrate(&lockRecord{})
	return &tableLock{
		db:            db,
		retryInterval: 100 * time.Millisecond,
		staleAge:      5 * time.Minute,
		identity:      defaultIdentity(),
	}
}

// NoopLocker runs fn immediately. Used when locking is disabled.
type NoopLocker struct{}

func (NoopLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func lockKey(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)))
}

// pgAdvisoryLock uses PostgreSQL advisory locks. Lock and unlock must run on
// the same session, so a dedicated connection is pinned for the duration.
type pgAdvisoryLock struct {
	db *gorm.DB
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("advisory lock %q: %w", name, err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("advisory lock %q: %w", name, err)
	}
	defer conn.Close()

	key := lockKey(name)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %q: %w", name, err)
	}
	defer func(c *sql.Conn) {
		_, _ = c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
	}(conn)

	return fn(ctx)
}

// lockRecord is the table-based lock row for non-PostgreSQL databases.
type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;type:varchar(255)"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "resource_locks" }

// tableLock uses INSERT-or-fail semantics on a lock table to ensure only one
// holder at a time, with stale lock cleanup for crash recovery.
type tableLock struct {
	db            *gorm.DB
	retryInterval time.Duration
	staleAge      time.Duration
	identity      string
}

func (l *tableLock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for {
		// Delete stale locks to handle crash recovery.
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", name, time.Now().Add(-l.staleAge)).
			Delete(&lockRecord{})

		row := lockRecord{ID: name, LockedAt: time.Now(), LockedBy: l.identity}
		if err := l.db.WithContext(ctx).Create(&row).Error; err == nil {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %q: %w", name, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}

	// Always release the lock.
	defer l.db.Where("id = ?", name).Delete(&lockRecord{})

	return fn(ctx)
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
