package features

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TieredBackend reads through a local memory tier (L1) to a shared
// backend (L2). L1 entries live at most localTTL, which bounds how stale a
// node's view of a feature written elsewhere can be. When L2 reports
// remaining TTLs, an L1 copy never outlives the L2 entry it came from.
type TieredBackend struct {
	local    *MemoryBackend
	remote   domain.FeatureBackend
	localTTL time.Duration
}

// ttlReader is implemented by backends that return each key's remaining
// TTL with its value. A zero TTL means the key does not expire.
type ttlReader interface {
	GetWithTTL(ctx context.Context, key string) (any, time.Duration, bool, error)
	MGetWithTTL(ctx context.Context, keys []string) (map[string]any, map[string]time.Duration, error)
}

// NewTieredBackend layers a memory tier over remote.
func NewTieredBackend(remote domain.FeatureBackend, maxLocal int, localTTL time.Duration) *TieredBackend {
	if localTTL <= 0 {
		localTTL = 5 * time.Second
	}
	return &TieredBackend{
		local:    NewMemoryBackend(maxLocal),
		remote:   remote,
		localTTL: localTTL,
	}
}

// Get checks L1 first, then L2, populating L1 on an L2 hit.
func (b *TieredBackend) Get(ctx context.Context, key string) (any, bool, error) {
	if v, ok, _ := b.local.Get(ctx, key); ok {
		return v, true, nil
	}
	var (
		v   any
		ttl time.Duration
		ok  bool
		err error
	)
	if r, isTTL := b.remote.(ttlReader); isTTL {
		v, ttl, ok, err = r.GetWithTTL(ctx, key)
	} else {
		v, ok, err = b.remote.Get(ctx, key)
	}
	if err != nil || !ok {
		return nil, false, err
	}
	_ = b.local.Set(ctx, key, v, b.l1TTL(ttl))
	return v, true, nil
}

// Set writes L2 first so a failed remote write leaves no local-only value.
func (b *TieredBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := b.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return b.local.Set(ctx, key, value, b.l1TTL(ttl))
}

// MGet serves what it can from L1 and fetches the rest from L2 in one call.
func (b *TieredBackend) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	out, _ := b.local.MGet(ctx, keys)
	if len(out) == len(keys) {
		return out, nil
	}
	missing := make([]string, 0, len(keys)-len(out))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	var (
		remote map[string]any
		ttls   map[string]time.Duration
		err    error
	)
	if r, ok := b.remote.(ttlReader); ok {
		remote, ttls, err = r.MGetWithTTL(ctx, missing)
	} else {
		remote, err = b.remote.MGet(ctx, missing)
	}
	if err != nil {
		return nil, err
	}
	for k, v := range remote {
		_ = b.local.Set(ctx, k, v, b.l1TTL(ttls[k]))
		out[k] = v
	}
	return out, nil
}

// MSet writes both tiers.
func (b *TieredBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	if err := b.remote.MSet(ctx, items, ttl); err != nil {
		return err
	}
	return b.local.MSet(ctx, items, b.l1TTL(ttl))
}

// Delete removes key from both tiers.
func (b *TieredBackend) Delete(ctx context.Context, key string) error {
	_ = b.local.Delete(ctx, key)
	return b.remote.Delete(ctx, key)
}

// Ping checks L2 health; L1 cannot fail.
func (b *TieredBackend) Ping(ctx context.Context) error {
	if err := b.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (b *TieredBackend) Close() error {
	_ = b.local.Close()
	return b.remote.Close()
}

func (b *TieredBackend) l1TTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < b.localTTL {
		return ttl
	}
	return b.localTTL
}
