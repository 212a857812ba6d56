// Package features provides the namespaced, TTL-bounded feature store and
// its pluggable backends.
package features

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a feature backend based on configuration.
func New(cfg domain.FeatureStoreConfig) (domain.FeatureBackend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBackend(cfg.MaxEntries), nil

	case "redis":
		return NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "tiered":
		remote, err := NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis backend: %w", err)
		}
		return NewTieredBackend(remote, cfg.MaxEntries, cfg.LocalTTL), nil

	default:
		return nil, fmt.Errorf("unsupported feature store type: %s", cfg.Type)
	}
}

// Key composes a feature key as "<namespace>:<entity_id>:<feature_name>".
func Key(namespace, entityID, name string) string {
	return strings.Join([]string{namespace, entityID, name}, ":")
}

// Store is the feature store facade used by the scoring pipeline.
type Store struct {
	backend domain.FeatureBackend
}

// NewStore wraps backend.
func NewStore(backend domain.FeatureBackend) *Store {
	return &Store{backend: backend}
}

// Get returns the value under key, or def when it is absent or expired.
func (s *Store) Get(ctx context.Context, key string, def any) (any, error) {
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Set stores one value. A zero ttl never expires.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.backend.Set(ctx, key, value, ttl)
}

// MGet returns the present subset of keys.
func (s *Store) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	return s.backend.MGet(ctx, keys)
}

// MSet stores every item with the same ttl.
func (s *Store) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	return s.backend.MSet(ctx, items, ttl)
}

// PutFeatures stores an entity's features under the namespace convention.
func (s *Store) PutFeatures(ctx context.Context, namespace, entityID string, feats map[string]any, ttl time.Duration) error {
	if namespace == "" || entityID == "" {
		return fmt.Errorf("%w: namespace and entity id are required", domain.ErrInvalidInput)
	}
	items := make(map[string]any, len(feats))
	for name, v := range feats {
		items[Key(namespace, entityID, name)] = v
	}
	return s.backend.MSet(ctx, items, ttl)
}

// GetFeatures returns the present features of an entity keyed by bare
// feature name. Absent and expired features are omitted.
func (s *Store) GetFeatures(ctx context.Context, namespace, entityID string, names []string) (map[string]any, error) {
	if len(names) == 0 {
		return map[string]any{}, nil
	}
	keys := make([]string, len(names))
	byKey := make(map[string]string, len(names))
	for i, n := range names {
		keys[i] = Key(namespace, entityID, n)
		byKey[keys[i]] = n
	}
	found, err := s.backend.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(found))
	for k, v := range found {
		out[byKey[k]] = v
	}
	return out, nil
}

// Ping checks backend health.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
