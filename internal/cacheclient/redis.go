package cacheclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the production Cache adapter backed by
// github.com/redis/go-redis/v9. Every call is wrapped in a bounded timeout;
// errors (including context.DeadlineExceeded) are downgraded to a miss on
// reads and swallowed on writes, since the cache is advisory and must never
// become load-bearing for correctness (spec §7: "cache failures are always
// downgraded to misses").
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-constructed *redis.Client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisClient parses redisURL (e.g. "redis://localhost:6379/0") and
// returns a connected *redis.Client, matching the connection-construction
// idiom used for every other pooled dependency in this repository.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	v, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cacheclient: get miss on error", "key", key, "error", err)
		}
		return nil, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("cacheclient: set best-effort failure", "key", key, "error", err)
	}
}

func (c *RedisCache) Incr(ctx context.Context, key string) (int64, bool) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	v, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("cacheclient: incr failed, failing open", "key", key, "error", err)
		return 0, false
	}
	return v, true
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		slog.Warn("cacheclient: expire best-effort failure", "key", key, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		slog.Warn("cacheclient: delete best-effort failure", "key", key, "error", err)
	}
}
