package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kestrel:feat:"

// RedisBackend stores features in Redis as JSON values. Redis applies TTLs
// itself; MSet runs in a MULTI/EXEC block so readers never see a partial
// write.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
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
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBackendFromClient(client), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get retrieves and decodes the value under key.
func (b *RedisBackend) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key. A zero ttl never expires.
func (b *RedisBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

// MGet fetches all keys in one round trip and omits the missing ones.
func (b *RedisBackend) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKeyPrefix + k
	}

	vals, err := b.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		decoded, err := decodeValue([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out[keys[i]] = decoded
	}
	return out, nil
}

// GetWithTTL reads key and its PTTL in one pipeline. A zero TTL means the
// key has no expiry.
func (b *RedisBackend) GetWithTTL(ctx context.Context, key string) (any, time.Duration, bool, error) {
	vals, ttls, err := b.MGetWithTTL(ctx, []string{key})
	if err != nil {
		return nil, 0, false, err
	}
	v, ok := vals[key]
	return v, ttls[key], ok, nil
}

// MGetWithTTL is MGet plus each key's PTTL, fetched in the same pipeline so
// the caller can cap how long it caches the values.
func (b *RedisBackend) MGetWithTTL(ctx context.Context, keys []string) (map[string]any, map[string]time.Duration, error) {
	vals := make(map[string]any, len(keys))
	ttls := make(map[string]time.Duration, len(keys))
	if len(keys) == 0 {
		return vals, ttls, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKeyPrefix + k
	}

	var (
		mget  *redis.SliceCmd
		pttls = make([]*redis.DurationCmd, len(keys))
	)
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		mget = pipe.MGet(ctx, full...)
		for i, k := range full {
			pttls[i] = pipe.PTTL(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range mget.Val() {
		s, ok := v.(string)
		if !ok {
			continue
		}
		decoded, err := decodeValue([]byte(s))
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		// PTTL is -1 for keys without expiry; the key may also have
		// expired between MGET and PTTL, which -2 reports.
		ttl := pttls[i].Val()
		switch {
		case ttl == -2:
			continue
		case ttl < 0:
			ttl = 0
		case ttl == 0:
			continue
		}
		vals[keys[i]] = decoded
		ttls[keys[i]] = ttl
	}
	return vals, ttls, nil
}

// MSet writes every item inside one transaction.
func (b *RedisBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	encoded := make(map[string][]byte, len(items))
	for k, v := range items {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = raw
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, raw := range encoded {
			pipe.Set(ctx, redisKeyPrefix+k, raw, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mset: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Ping checks Redis connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
