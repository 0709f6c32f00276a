package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 24 * time.Hour

// Redis is a Cache backed by a Redis instance so classifier verdicts are
// shared across nodes in distributed deployments.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures the Redis cache.
type RedisOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// Prefix namespaces keys within the Redis keyspace. Defaults to
	// "agentwire:cache:".
	Prefix string
	// TTL bounds how long entries live. Defaults to 24 hours; Redis keys
	// always carry a TTL so abandoned entries expire.
	TTL time.Duration
}

// NewRedis returns a Redis-backed cache.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "agentwire:cache:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &Redis{rdb: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// Get implements Cache. redis.Nil maps to a plain miss.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, true, nil
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, key string, val []byte) error {
	if err := c.rdb.Set(ctx, c.prefix+key, val, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}
