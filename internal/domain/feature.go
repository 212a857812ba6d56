package domain

import (
	"context"
	"time"
)

// FeatureBackend is the storage contract behind the feature store.
// A zero ttl means the value never expires. Missing or expired keys are
// reported as absent, never as errors.
type FeatureBackend interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// MGet returns only the keys that are present.
	MGet(ctx context.Context, keys []string) (map[string]any, error)

	// MSet writes all items as one unit; readers never see a partial write.
	MSet(ctx context.Context, items map[string]any, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FeatureStoreConfig holds configuration for feature backend initialization.
type FeatureStoreConfig struct {
	// Type is the backend type: "memory", "redis" or "tiered"
	Type string `mapstructure:"type"`

	// In-process backend settings. MaxEntries <= 0 means unbounded.
	MaxEntries int           `mapstructure:"max_entries"`
	LocalTTL   time.Duration `mapstructure:"local_ttl"` // upper bound on tiered L1 freshness

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}
