package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeavideo/api/internal/store"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCache_SetGetExpire(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.now))
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Second)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	clk.advance(1100 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is purged on access")
}

func TestCache_RealTimeExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 20*time.Millisecond)
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.now))
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 0)
	clk.advance(365 * 24 * time.Hour)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	c.Set(ctx, "c", []byte("3"), time.Minute)

	assert.True(t, c.Delete(ctx, "a"))
	assert.False(t, c.Delete(ctx, "a"))
	assert.Equal(t, 2, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.now))
	ctx := context.Background()

	c.Set(ctx, "short", []byte("1"), time.Second)
	c.Set(ctx, "long", []byte("2"), time.Hour)
	clk.advance(time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_JSON(t *testing.T) {
	c := New()
	ctx := context.Background()

	type payload struct {
		Path     string  `json:"path"`
		Duration float64 `json:"duration"`
	}
	c.SetJSON(ctx, "k", payload{Path: "/a.mp3", Duration: 3.5}, time.Minute)

	var got payload
	require.True(t, c.GetJSON(ctx, "k", &got))
	assert.Equal(t, "/a.mp3", got.Path)

	c.Set(ctx, "bad", []byte("{not json"), time.Minute)
	assert.False(t, c.GetJSON(ctx, "bad", &got))
	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
}

func TestCache_SharedThroughBacking(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()

	writer := New(WithBacking(backing))
	reader := New(WithBacking(backing))

	writer.Set(ctx, "k", []byte("shared"), time.Minute)
	got, ok := reader.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("shared"), got)
}

func TestCache_OverwriteWithZeroTTLDropsSharedExpiry(t *testing.T) {
	clock := newClock()
	backing := store.NewMemoryStore()
	backing.SetClock(clock.now)
	ctx := context.Background()

	writer := New(WithBacking(backing), WithClock(clock.now))
	writer.Set(ctx, "k", []byte("old"), time.Minute)
	writer.Set(ctx, "k", []byte("forever"), 0)

	clock.advance(2 * time.Minute)

	reader := New(WithBacking(backing), WithClock(clock.now))
	got, ok := reader.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("forever"), got)
}

type brokenStore struct{ store.DurableStore }

var errDown = errors.New("connection refused")

func (brokenStore) HSet(context.Context, string, map[string]string, time.Duration) error {
	return errDown
}
func (brokenStore) HGetAll(context.Context, string) (map[string]string, error) { return nil, errDown }
func (brokenStore) Del(context.Context, ...string) error                     { return errDown }
func (brokenStore) Keys(context.Context, string) ([]string, error)            { return nil, errDown }

func TestCache_BackingFailureDegradesToMiss(t *testing.T) {
	c := New(WithBacking(brokenStore{}))
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok, "local entry still served when backing is down")
	assert.Equal(t, []byte("v"), got)

	assert.True(t, c.Delete(ctx, "k"))
	assert.Equal(t, 0, c.Clear(ctx))
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("audio", []interface{}{"scene_01", "hello"}, map[string]interface{}{"voice": "en", "speed": 1.0})
	b := GenerateKey("audio", []interface{}{"scene_01", "hello"}, map[string]interface{}{"speed": 1.0, "voice": "en"})
	assert.Equal(t, a, b)

	swapped := GenerateKey("audio", []interface{}{"hello", "scene_01"}, map[string]interface{}{"voice": "en", "speed": 1.0})
	assert.NotEqual(t, a, swapped, "positional order matters")

	other := GenerateKey("visual", []interface{}{"scene_01", "hello"}, map[string]interface{}{"voice": "en", "speed": 1.0})
	assert.NotEqual(t, a, other)

	assert.Contains(t, a, "audio:")
}
