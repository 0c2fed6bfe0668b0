package rediscache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

func newRedisCache(t *testing.T, windowSize int, ttl time.Duration) (*SessionCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	cache, err := New(Config{Addr: s.Addr(), WindowSize: windowSize, TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, s
}

func cacheTurn(text string, ts time.Time) types.Turn {
	return types.Turn{
		ID:        text,
		UserID:    "alice",
		Role:      types.RoleUser,
		Kind:      types.KindText,
		Text:      text,
		Timestamp: ts,
	}
}

func TestWindowMissReturnsNil(t *testing.T) {
	cache, _ := newRedisCache(t, 5, time.Minute)

	turns, err := cache.Window(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, turns)

	_, misses := cache.Stats()
	assert.Equal(t, int64(1), misses)
}

func TestReplaceThenWindow(t *testing.T) {
	cache, _ := newRedisCache(t, 5, time.Minute)
	ctx := context.Background()

	var turns []types.Turn
	for i := 0; i < 3; i++ {
		turns = append(turns, cacheTurn(fmt.Sprintf("turn %d", i), time.Now()))
	}
	require.NoError(t, cache.Replace(ctx, "alice", turns))

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "turn 0", got[0].Text)

	hits, _ := cache.Stats()
	assert.Equal(t, int64(1), hits)
}

func TestPushEvictsOldest(t *testing.T) {
	cache, _ := newRedisCache(t, 3, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Replace(ctx, "alice", []types.Turn{
		cacheTurn("one", time.Now()),
		cacheTurn("two", time.Now()),
		cacheTurn("three", time.Now()),
	}))
	require.NoError(t, cache.Push(ctx, "alice", cacheTurn("four", time.Now())))

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "four", got[2].Text)
}

func TestPushIntoMissingWindowIsNoop(t *testing.T) {
	cache, _ := newRedisCache(t, 3, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Push(ctx, "alice", cacheTurn("orphan", time.Now())))

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWindowExpiresWithTTL(t *testing.T) {
	cache, s := newRedisCache(t, 5, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Replace(ctx, "alice", []types.Turn{cacheTurn("one", time.Now())}))
	s.FastForward(2 * time.Minute)

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvalidate(t *testing.T) {
	cache, _ := newRedisCache(t, 5, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Replace(ctx, "alice", []types.Turn{cacheTurn("one", time.Now())}))
	require.NoError(t, cache.Invalidate(ctx, "alice"))

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptWindowTreatedAsMiss(t *testing.T) {
	cache, s := newRedisCache(t, 5, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Set("membank:session:alice", "not json"))

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheBehavesLikeRedis(t *testing.T) {
	cache := NewMemory(3, time.Minute)
	ctx := context.Background()

	got, err := cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Push(ctx, "alice", cacheTurn("orphan", time.Now())))
	got, err = cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Replace(ctx, "alice", []types.Turn{
		cacheTurn("one", time.Now()),
		cacheTurn("two", time.Now()),
		cacheTurn("three", time.Now()),
	}))
	require.NoError(t, cache.Push(ctx, "alice", cacheTurn("four", time.Now())))

	got, err = cache.Window(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "two", got[0].Text)

	require.NoError(t, cache.Invalidate(ctx, "alice"))
	got, err = cache.Window(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, cache.Ping(ctx))
}
