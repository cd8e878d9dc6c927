package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/core"
)

// RedisStore shares rate limit windows and the importer run lock across instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects to Redis and pings it before returning.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "florasync"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "florasync"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Ping checks connectivity; used by health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// incrementScript counts a request and reports the window and backoff TTLs.
// KEYS[1] is the counter, KEYS[2] the backoff marker, ARGV[1] the window in ms.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
local backoff = redis.call('PTTL', KEYS[2])
return {count, ttl, backoff}
`)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Increment counts one request for key in a fixed window.
func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (*core.RateLimitState, error) {
	values, err := incrementScript.Run(ctx, r.rdb,
		[]string{r.key("rl", key), r.key("rl-backoff", key)},
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("increment window: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("increment window: unexpected reply length %d", len(values))
	}

	remaining := time.Duration(values[1]) * time.Millisecond
	state := &core.RateLimitState{
		RequestCount: int(values[0]),
		WindowStart:  now.Add(remaining - window),
	}
	if values[2] > 0 {
		until := now.Add(time.Duration(values[2]) * time.Millisecond)
		state.BackoffUntil = &until
	}
	return state, nil
}

// SetBackoff blocks key until the given time.
func (r *RedisStore) SetBackoff(ctx context.Context, key string, until, now time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if err := r.rdb.Set(ctx, r.key("rl-backoff", key), now.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("set backoff: %w", err)
	}
	return nil
}

// RedisRunLock is a lease-based lock shared by every instance using the same Redis.
type RedisRunLock struct {
	store *RedisStore
	ttl   time.Duration
}

// RunLock returns a lock whose lease expires after ttl if the holder dies.
func (r *RedisStore) RunLock(ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisRunLock{store: r, ttl: ttl}
}

// TryAcquire takes the named lock without waiting.
func (l *RedisRunLock) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	key := l.store.key("lock", name)
	token := uuid.New().String()

	ok, err := l.store.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.store.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}

func (r *RedisStore) key(kind, name string) string {
	return r.prefix + ":" + kind + ":" + name
}
