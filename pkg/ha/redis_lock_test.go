package ha

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClientForTest(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("GALAXY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GALAXY_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker_Serializes(t *testing.T) {
	client := redisClientForTest(t)
	locker := NewRedisLocker(client, "galaxy:test:"+t.Name()+":", 2*time.Second)

	var concurrent, maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "repository:1", func(context.Context) error {
				cur := concurrent.Add(1)
				if cur > maxConcurrent.Load() {
					maxConcurrent.Store(cur)
				}
				time.Sleep(20 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxConcurrent.Load())

	exists, err := client.Exists(context.Background(), "galaxy:test:"+t.Name()+":repository:1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
