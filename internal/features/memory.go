package features

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process feature backend with optional per-item
// TTL and LRU eviction. Every operation, reads included, runs under one
// mutex, so a reader never observes part of an MSet.
//
// Expiry is lazy: expired items are invisible immediately and are removed
// by the prune sweep that runs on reads.
type MemoryBackend struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	order      *list.List
	nextExpiry time.Time // earliest known expiry; zero when nothing expires
	now        func() time.Time
}

type memoryEntry struct {
	key       string
	value     any
	expiresAt time.Time // zero means never
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e *memoryEntry) remaining(now time.Time) time.Duration {
	if e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(now)
}

// NewMemoryBackend creates a memory backend. maxEntries <= 0 disables
// eviction.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	return &MemoryBackend{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the value stored under key.
func (b *MemoryBackend) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	elem, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	b.order.MoveToFront(elem)
	return elem.Value.(*memoryEntry).value, true, nil
}

// Set stores value under key. A zero ttl never expires.
func (b *MemoryBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.put(key, value, b.expiry(ttl))
	b.evict()
	return nil
}

// MGet returns the present, unexpired subset of keys.
func (b *MemoryBackend) MGet(ctx context.Context, keys []string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if elem, ok := b.items[k]; ok {
			b.order.MoveToFront(elem)
			out[k] = elem.Value.(*memoryEntry).value
		}
	}
	return out, nil
}

// GetWithTTL is Get plus the time key has left. Zero means it never
// expires.
func (b *MemoryBackend) GetWithTTL(ctx context.Context, key string) (any, time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	elem, ok := b.items[key]
	if !ok {
		return nil, 0, false, nil
	}
	b.order.MoveToFront(elem)
	entry := elem.Value.(*memoryEntry)
	return entry.value, entry.remaining(now), true, nil
}

// MGetWithTTL is MGet plus the remaining TTL of each returned key.
func (b *MemoryBackend) MGetWithTTL(ctx context.Context, keys []string) (map[string]any, map[string]time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	vals := make(map[string]any, len(keys))
	ttls := make(map[string]time.Duration, len(keys))
	for _, k := range keys {
		if elem, ok := b.items[k]; ok {
			b.order.MoveToFront(elem)
			entry := elem.Value.(*memoryEntry)
			vals[k] = entry.value
			ttls[k] = entry.remaining(now)
		}
	}
	return vals, ttls, nil
}

// MSet stores every item with the same ttl under a single lock hold.
func (b *MemoryBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exp := b.expiry(ttl)
	for k, v := range items {
		b.put(k, v, exp)
	}
	b.evict()
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.items[key]; ok {
		b.removeElement(elem)
	}
	return nil
}

// Ping checks backend health.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Close drops every item.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*list.Element)
	b.order = list.New()
	b.nextExpiry = time.Time{}
	return nil
}

// Len returns the number of stored items, expired ones included until the
// next prune.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

func (b *MemoryBackend) put(key string, value any, expiresAt time.Time) {
	if !expiresAt.IsZero() && (b.nextExpiry.IsZero() || expiresAt.Before(b.nextExpiry)) {
		b.nextExpiry = expiresAt
	}
	if elem, ok := b.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		b.order.MoveToFront(elem)
		return
	}
	b.items[key] = b.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
}

// prune removes expired items. It only sweeps once the earliest known
// expiry has passed.
func (b *MemoryBackend) prune(now time.Time) {
	if b.nextExpiry.IsZero() || now.Before(b.nextExpiry) {
		return
	}
	var next time.Time
	for elem := b.order.Front(); elem != nil; {
		entry := elem.Value.(*memoryEntry)
		following := elem.Next()
		switch {
		case entry.expired(now):
			b.removeElement(elem)
		case !entry.expiresAt.IsZero() && (next.IsZero() || entry.expiresAt.Before(next)):
			next = entry.expiresAt
		}
		elem = following
	}
	b.nextExpiry = next
}

func (b *MemoryBackend) evict() {
	if b.maxEntries <= 0 {
		return
	}
	for b.order.Len() > b.maxEntries {
		b.removeElement(b.order.Back())
	}
}

func (b *MemoryBackend) removeElement(elem *list.Element) {
	b.order.Remove(elem)
	delete(b.items, elem.Value.(*memoryEntry).key)
}
