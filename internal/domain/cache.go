package domain

import (
	"context"
	"time"
)

// Cache fronts the IP list store and keeps best-effort counters.
// Local LRU (community) or LRU + Redis (pro).
// Keys are scoped by namespace, which is a tenant ID or a shared namespace
// such as the IP list namespace.
type Cache interface {
	// Get returns nil, nil if key is not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, namespace string, key string) error

	// GetIPRecord returns nil, nil on a miss.
	GetIPRecord(ctx context.Context, list IPList, ip string) (*IPRecord, error)

	SetIPRecord(ctx context.Context, list IPList, rec *IPRecord, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new value.
	// The counter resets once window has elapsed since its first increment.
	IncrementCounter(ctx context.Context, namespace string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// IPListNamespace is the cache namespace shared by all tenants for IP lists.
const IPListNamespace = "iplist"

// CacheConfig configures the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type"`

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool `json:"enableTwoPhase"`
}
