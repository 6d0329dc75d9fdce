package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_HSetAndGet(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "job:1", map[string]string{"status": "pending", "progress": "0"}, time.Hour))

	fields, err := s.HGetAll(ctx, "job:1")
	require.NoError(t, err)
	assert.Equal(t, "pending", fields["status"])
	assert.Equal(t, "0", fields["progress"])
	assert.Equal(t, time.Hour, mr.TTL("job:1"))
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "cache:k", map[string]string{"v": "x"}, time.Second))
	mr.FastForward(2 * time.Second)

	_, err := s.HGetAll(ctx, "cache:k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_KeysAndDel(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	for _, k := range []string{"job:a", "job:b", "cache:c"} {
		require.NoError(t, s.HSet(ctx, k, map[string]string{"f": "1"}, 0))
	}

	keys, err := s.Keys(ctx, "job:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:a", "job:b"}, keys)

	require.NoError(t, s.Del(ctx, "job:a"))
	keys, err = s.Keys(ctx, "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:b"}, keys)

	require.NoError(t, s.HDel(ctx, "job:b", "f"))
	_, err = s.HGetAll(ctx, "job:b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.HSet(ctx, "k", map[string]string{"f": "v"}, 0))
}

func TestMemoryStore_Expiry(t *testing.T) {
	m := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "k", map[string]string{"v": "1"}, time.Minute))
	fields, err := m.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", fields["v"])

	now = now.Add(time.Minute)
	_, err = m.HGetAll(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := m.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.HSet(ctx, "k", map[string]string{"v": "1"}, 0))

	fields, err := m.HGetAll(ctx, "k")
	require.NoError(t, err)
	fields["v"] = "mutated"

	fields, err = m.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", fields["v"])
}

func TestPrefixed(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	p := WithPrefix(s, "app:")

	require.NoError(t, p.HSet(ctx, "job:1", map[string]string{"job": "{}"}, time.Hour))
	require.NoError(t, p.HSet(ctx, "job:2", map[string]string{"job": "{}"}, time.Hour))
	require.NoError(t, s.HSet(ctx, "job:other", map[string]string{"job": "{}"}, time.Hour))
	assert.True(t, mr.Exists("app:job:1"))

	keys, err := p.Keys(ctx, "job:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1", "job:2"}, keys)

	fields, err := p.HGetAll(ctx, "job:1")
	require.NoError(t, err)
	assert.Equal(t, "{}", fields["job"])

	require.NoError(t, p.HDel(ctx, "job:1", "job"))
	require.NoError(t, p.Del(ctx, "job:2"))
	_, err = p.HGetAll(ctx, "job:2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, mr.Exists("job:other"))

	assert.Same(t, s, WithPrefix(s, "").(*RedisStore))
}
