package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every Kestrel key in a shared Redis.
const keyPrefix = "kestrel:"

// slidingWindow trims a sorted set to the window, records one event and
// returns the event count. Scores are milliseconds since epoch.
var slidingWindow = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	redis.call('ZADD', KEYS[1], now, ARGV[3])
	redis.call('PEXPIRE', KEYS[1], window)
	return redis.call('ZCARD', KEYS[1])
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis. Returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// IncrementCounter records one event in a sorted-set sliding window and
// returns the count within the trailing window. Safe across nodes.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}

	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	result, err := slidingWindow.Run(ctx, c.client,
		[]string{redisKey(tenantID, "counter:"+key)},
		now, window.Milliseconds(), member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return result, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(tenantID, key string) string {
	return keyPrefix + makeKey(tenantID, key)
}
