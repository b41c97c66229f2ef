package ha

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Use shared cache so all goroutines see the same in-memory database.
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestNewDatabaseLocker_NilDB(t *testing.T) {
	locker := NewDatabaseLocker(nil)
	called := false
	err := locker.WithLock(context.Background(), MigrationLockName, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTableLock_ReleasesAfterRun(t *testing.T) {
	db := setupTestDB(t)
	locker := NewDatabaseLocker(db)

	called := false
	err := locker.WithLock(context.Background(), "repository:abc", func(context.Context) error {
		var count int64
		db.Model(&lockRecord{}).Where("id = ?", "repository:abc").Count(&count)
		assert.Equal(t, int64(1), count)
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	var count int64
	db.Model(&lockRecord{}).Count(&count)
	assert.Zero(t, count, "lock table should be empty after WithLock")
}

func TestTableLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewDatabaseLocker(db)

	boom := errors.New("migration failed")
	err := locker.WithLock(context.Background(), MigrationLockName, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	db.Model(&lockRecord{}).Count(&count)
	assert.Zero(t, count, "lock should be released after error")
}

func TestTableLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewDatabaseLocker(db)

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), "repository:same", func(context.Context) error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, maxConcurrent.Load(), int32(1))
}

func TestTableLock_DistinctNamesDoNotBlock(t *testing.T) {
	db := setupTestDB(t)
	locker := NewDatabaseLocker(db)

	err := locker.WithLock(context.Background(), "repository:a", func(ctx context.Context) error {
		return locker.WithLock(ctx, "repository:b", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestTableLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewDatabaseLocker(db)

	err := locker.WithLock(context.Background(), "repository:x", func(context.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err2 := locker.WithLock(ctx, "repository:x", func(context.Context) error {
			t.Error("should not have acquired the lock")
			return nil
		})
		assert.ErrorIs(t, err2, context.Canceled)
		return nil
	})
	require.NoError(t, err)
}

func TestPGAdvisoryLock_LockAndUnlockOnSameConn(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	key := lockKey("repository:r1")
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	locker := NewDatabaseLocker(db)
	_, isPG := locker.(*pgAdvisoryLock)
	require.True(t, isPG)

	called := false
	err = locker.WithLock(context.Background(), "repository:r1", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLocker_Backends(t *testing.T) {
	db := setupTestDB(t)

	l, err := NewLocker(Config{LockBackend: BackendNone}, db)
	require.NoError(t, err)
	assert.IsType(t, NoopLocker{}, l)

	l, err = NewLocker(DefaultConfig(), db)
	require.NoError(t, err)
	assert.IsType(t, &tableLock{}, l)

	_, err = NewLocker(Config{LockBackend: BackendRedis}, db)
	assert.Error(t, err)

	_, err = NewLocker(Config{LockBackend: "zookeeper"}, db)
	assert.Error(t, err)
}
