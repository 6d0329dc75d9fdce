package store

import (
	"context"
	"strings"
	"time"
)

// Prefixed namespaces every key of an underlying store, so several
// deployments can share one Redis database.
type Prefixed struct {
	inner  DurableStore
	prefix string
}

// WithPrefix wraps s. An empty prefix returns s unchanged.
func WithPrefix(s DurableStore, prefix string) DurableStore {
	if prefix == "" {
		return s
	}
	return &Prefixed{inner: s, prefix: prefix}
}

func (p *Prefixed) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return p.inner.HSet(ctx, p.prefix+key, fields, ttl)
}

func (p *Prefixed) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return p.inner.HGetAll(ctx, p.prefix+key)
}

func (p *Prefixed) HDel(ctx context.Context, key string, fields ...string) error {
	return p.inner.HDel(ctx, p.prefix+key, fields...)
}

func (p *Prefixed) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.prefix + k
	}
	return p.inner.Del(ctx, full...)
}

// Keys returns matching keys with the namespace stripped.
func (p *Prefixed) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.Keys(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *Prefixed) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}
