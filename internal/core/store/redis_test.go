package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/config"
)

func openTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("FLORASYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLORASYNC_TEST_REDIS_URL not set")
	}

	r, err := OpenRedis(context.Background(), config.RedisConfig{URL: url, Prefix: "florasync-test-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisWindowIncrement(t *testing.T) {
	r := openTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		state, err := r.Increment(ctx, "general:10.0.0.1", time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, i, state.RequestCount)
		assert.WithinDuration(t, now, state.WindowStart, 2*time.Second)
	}

	require.NoError(t, r.SetBackoff(ctx, "general:10.0.0.1", now.Add(30*time.Second), now))
	state, err := r.Increment(ctx, "general:10.0.0.1", time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, state.BackoffUntil)
}

func TestRedisRunLockIsExclusive(t *testing.T) {
	r := openTestRedis(t)
	ctx := context.Background()
	lock := r.RunLock(time.Minute)

	release, ok, err := lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.False(t, ok)

	release()

	release, ok, err = lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.True(t, ok)
	release()
}
