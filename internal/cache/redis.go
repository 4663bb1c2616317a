package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"outbound-gateway/internal/common/logging"
)

const redisOpTimeout = 5 * time.Second

// RedisConfig configures the Redis-backed cache.
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

// RedisCache is a Redis-backed TTL cache for multi-instance deployments.
// Expiry is delegated to Redis, so there is no sweep goroutine and no
// in-process size bound. Values round-trip through JSON.
type RedisCache struct {
	rdb       *redis.Client
	keyPrefix string
	logger    logging.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(config *RedisConfig, logger logging.Logger) (*RedisCache, error) {
	if config == nil {
		config = &RedisConfig{}
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "lookup:cache:"
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{
		rdb:       rdb,
		keyPrefix: config.KeyPrefix,
		logger:    logger,
	}, nil
}

// Get retrieves a value. Any Redis error is treated as a miss; the lookup
// path falls through to the live endpoint.
func (c *RedisCache) Get(key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := c.rdb.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache read failed", logging.String("key", key), logging.Any("error", err.Error()))
		}
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, false
	}
	return value, true
}

// Set stores a value with the given TTL. A non-positive TTL is a no-op.
// Write failures are logged and swallowed; caching is best effort.
func (c *RedisCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis cache marshal failed", logging.String("key", key), logging.Any("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		c.logger.Warn("redis cache write failed", logging.String("key", key), logging.Any("error", err.Error()))
	}
}

// Delete removes a key.
func (c *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	c.rdb.Del(ctx, c.keyPrefix+key)
}

// Size returns the number of keys under this cache's prefix.
func (c *RedisCache) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.keyPrefix+"*", 100).Result()
		if err != nil {
			return -1
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}

// Stats returns cache statistics.
func (c *RedisCache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":       "redis",
		"backend":    c.rdb.Options().Addr,
		"key_prefix": c.keyPrefix,
	}
}

// Stop closes the Redis connection.
func (c *RedisCache) Stop() {
	if err := c.rdb.Close(); err != nil {
		c.logger.Warn("redis cache close failed", logging.Any("error", err.Error()))
	}
}

var _ Cache = (*RedisCache)(nil)
