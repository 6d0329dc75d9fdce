// Package cache implements the TTL cache placed in front of every
// collaborator call. It is best-effort: any backing failure is a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/store"
)

const (
	backingPrefix = "cache:"
	valueField    = "v"
	expiresField  = "e"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Cache is an in-process TTL cache with an optional shared backing store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	backing store.DurableStore
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithBacking shares entries through a durable store across processes.
func WithBacking(s store.DurableStore) Option {
	return func(c *Cache) { c.backing = s }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.log = logger.OrNop(l) }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and unexpired. An expired local
// entry is purged on access.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		return e.value, true
	}
	if c.backing == nil {
		return nil, false
	}

	fields, err := c.backing.HGetAll(ctx, backingPrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Debug("cache backing read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	v, ok := fields[valueField]
	if !ok {
		return nil, false
	}
	e = entry{value: []byte(v)}
	if raw := fields[expiresField]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.expiresAt = time.UnixMilli(ms)
		}
	}
	if e.expired(now) {
		return nil, false
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl never expires.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	if c.backing == nil {
		return
	}
	fields := map[string]string{valueField: string(e.value)}
	if !e.expiresAt.IsZero() {
		fields[expiresField] = strconv.FormatInt(e.expiresAt.UnixMilli(), 10)
	} else if err := c.backing.Del(ctx, backingPrefix+key); err != nil {
		// HSet merges fields and keeps the key's expiry, so a previous
		// expiring entry has to go first.
		c.log.Debug("cache backing delete failed", zap.String("key", key), zap.Error(err))
	}
	if err := c.backing.HSet(ctx, backingPrefix+key, fields, ttl); err != nil {
		c.log.Debug("cache backing write failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key and reports whether a live local entry existed.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.Del(ctx, backingPrefix+key); err != nil {
			c.log.Debug("cache backing delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return ok && !e.expired(c.now())
}

// Clear drops every entry and returns how many local entries were removed.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	if c.backing != nil {
		keys, err := c.backing.Keys(ctx, backingPrefix)
		if err == nil && len(keys) > 0 {
			err = c.backing.Del(ctx, keys...)
		}
		if err != nil {
			c.log.Debug("cache backing clear failed", zap.Error(err))
		}
	}
	return n
}

// Sweep removes expired local entries. The backing store expires its own keys.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of local entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetJSON decodes a cached JSON value into dst. Undecodable entries are misses.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Debug("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes value as JSON and stores it.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Debug("skipping unencodable cache value", zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(ctx, key, raw, ttl)
}
