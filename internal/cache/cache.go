// Package cache implements the two-tier response cache: a bounded in-process
// layer in front of a distributed backend. Every cached value is re-derivable
// from its source call, so staleness windows are acceptable; lost entries
// only cost a recomputation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/vmihailenco/msgpack/v5"
)

type Options struct {
	// LocalCapacity bounds the in-process layer; the oldest inserted entry
	// is evicted when full.
	LocalCapacity int
	// LocalTTL caps how long the in-process layer may serve an entry,
	// regardless of the write TTL.
	LocalTTL time.Duration
	// DefaultTTL applies when a category has no explicit TTL.
	DefaultTTL time.Duration
	// CategoryTTLs maps category tags to write TTLs (e.g. embeddings cache
	// longer than similarity-search results).
	CategoryTTLs map[string]time.Duration
}

func (o Options) withDefaults() Options {
	if o.LocalCapacity <= 0 {
		o.LocalCapacity = 1024
	}
	if o.LocalTTL <= 0 {
		o.LocalTTL = time.Minute
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 5 * time.Minute
	}
	return o
}

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// Tiered is safe for concurrent use by every run in the process.
type Tiered struct {
	backend Backend
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]localEntry
	order   []string // insertion order, oldest first
}

func New(backend Backend, opts Options) *Tiered {
	return NewWithClock(backend, opts, time.Now)
}

func NewWithClock(backend Backend, opts Options, now func() time.Time) *Tiered {
	return &Tiered{
		backend: backend,
		opts:    opts.withDefaults(),
		now:     now,
		entries: map[string]localEntry{},
	}
}

// TTLFor resolves the write TTL for a category.
func (c *Tiered) TTLFor(category string) time.Duration {
	if ttl, ok := c.opts.CategoryTTLs[category]; ok && ttl > 0 {
		return ttl
	}
	return c.opts.DefaultTTL
}

// Get checks the in-process layer first, then the backend. A backend hit is
// backfilled locally. Returns false on a full miss.
func (c *Tiered) Get(ctx context.Context, key string, dst any) (bool, error) {
	if data, ok := c.localGet(key); ok {
		if err := msgpack.Unmarshal(data, dst); err != nil {
			return false, fmt.Errorf("decode cached value %s: %w", key, err)
		}
		return true, nil
	}
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache backend get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	c.localSet(key, data, c.opts.LocalTTL)
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached value %s: %w", key, err)
	}
	return true, nil
}

// Set writes through to both layers with the same TTL; the in-process copy
// is additionally capped by LocalTTL.
func (c *Tiered) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	localTTL := ttl
	if localTTL <= 0 || localTTL > c.opts.LocalTTL {
		localTTL = c.opts.LocalTTL
	}
	c.localSet(key, data, localTTL)
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("cache backend set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from both layers.
func (c *Tiered) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
	if err := c.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache backend delete %s: %w", key, err)
	}
	return nil
}

// Invalidate removes every locally-held key matching the glob pattern and
// issues best-effort backend deletes for those keys. Copies that other
// processes hold in the backend under keys this process never saw age out on
// their own TTL; that staleness window is acceptable because all cached
// values are re-derivable.
func (c *Tiered) Invalidate(ctx context.Context, pattern string) (int, error) {
	c.mu.Lock()
	var matched []string
	for key := range c.entries {
		ok, err := doublestar.Match(pattern, key)
		if err != nil {
			c.mu.Unlock()
			return 0, fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
		}
		if ok {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.removeLocked(key)
	}
	c.mu.Unlock()

	for _, key := range matched {
		_ = c.backend.Delete(ctx, key)
	}
	return len(matched), nil
}

// ClearCategory invalidates everything under a category's key prefix.
func (c *Tiered) ClearCategory(ctx context.Context, category string) (int, error) {
	return c.Invalidate(ctx, category+":*")
}

func (c *Tiered) localGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e.data, true
}

func (c *Tiered) localSet(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.opts.LocalCapacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = localEntry{data: data, expiresAt: c.now().Add(ttl)}
}

func (c *Tiered) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
