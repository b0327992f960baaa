package lock

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

	"github.com/seantiz/redteam/internal/model"
)

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "second TryLock on a held key must fail")

	ok, err = m.TryLock(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, ok, "locks are per key")

	require.NoError(t, m.Unlock(ctx, "job-1"))
	ok, err = m.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, m.Unlock(ctx, "never-held"))
}

func TestMemoryLockSingleWinner(t *testing.T) {
	m := NewMemory()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if ok, _ := m.TryLock(context.Background(), "contended"); ok {
				winners.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func setupTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLock(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	prefix := "redteam:test:" + model.NewID() + ":"

	a := NewRedis(client, prefix, time.Minute)
	b := NewRedis(client, prefix, time.Minute)

	ok, err := a.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "another process must not take a held lock")

	require.NoError(t, b.Unlock(ctx, "job-1"), "unlocking a key we do not own is a no-op")
	ok, err = b.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx, "job-1"))
	ok, err = b.TryLock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx, "job-1"))
}

func TestRedisLockExpiredNotStolen(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	prefix := "redteam:test:" + model.NewID() + ":"

	a := NewRedis(client, prefix, time.Minute)
	ok, err := a.TryLock(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by another holder.
	require.NoError(t, client.Set(ctx, prefix+"job-1", "someone-else", time.Minute).Err())

	require.NoError(t, a.Unlock(ctx, "job-1"))
	val, err := client.Get(ctx, prefix+"job-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	client.Del(ctx, prefix+"job-1")
}

func TestRedisLockEmptyKey(t *testing.T) {
	r := NewRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "p:", 0)
	_, err := r.TryLock(context.Background(), "")
	assert.Error(t, err)
}
