package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// incrScript increments a counter and starts its window on first use.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache using Redis.
// Used on its own in the pro tier and as L2 in two-phase caching.
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

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues("redis", "hit").Inc()
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, namespace string, key string) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetIPRecord retrieves a cached IP list record.
func (c *RedisCache) GetIPRecord(ctx context.Context, list domain.IPList, ip string) (*domain.IPRecord, error) {
	return decodeIPRecord(c.Get(ctx, domain.IPListNamespace, ipKey(list, ip)))
}

// SetIPRecord caches an IP list record.
func (c *RedisCache) SetIPRecord(ctx context.Context, list domain.IPList, rec *domain.IPRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, domain.IPListNamespace, ipKey(list, rec.IP), data, ttl)
}

// IncrementCounter atomically increments a counter using Redis INCR with EXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error) {
	if namespace == "" {
		return 0, fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, "counter:"+key)

	result, err := incrScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
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

func (c *RedisCache) makeKey(namespace, key string) string {
	return "kestrel:" + namespace + ":" + key
}
