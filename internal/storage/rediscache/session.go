// Package rediscache implements the session window cache on Redis, with an
// in-process fallback for deployments without a Redis server. The window is
// a JSON-encoded slice under a namespaced per-user key; a miss means the
// caller rebuilds from the durable store, so every failure path degrades to
// a miss rather than an error.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// Config holds configuration for the Redis session cache.
type Config struct {
	Addr       string        // Redis address (e.g. "localhost:6379")
	Password   string        // Redis password
	DB         int           // Redis database number
	WindowSize int           // max turns per session window (default: 15)
	TTL        time.Duration // session window TTL (default: 30m)
}

// SessionCache implements storage.SessionCache on Redis.
type SessionCache struct {
	client     *goredis.Client
	windowSize int
	ttl        time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

var _ storage.SessionCache = (*SessionCache)(nil)

// New creates a Redis session cache and verifies connectivity.
func New(cfg Config) (*SessionCache, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 15
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &SessionCache{
		client:     client,
		windowSize: cfg.WindowSize,
		ttl:        cfg.TTL,
	}, nil
}

func sessionKey(userID string) string {
	return "membank:session:" + userID
}

// Window returns the cached window in chronological order, or nil on miss.
func (c *SessionCache) Window(ctx context.Context, userID string) ([]types.Turn, error) {
	data, err := c.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		c.misses.Add(1)
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	var turns []types.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		// A corrupt window is treated as a miss; the caller rebuilds it.
		c.misses.Add(1)
		_ = c.client.Del(ctx, sessionKey(userID)).Err()
		return nil, nil
	}
	c.hits.Add(1)
	return turns, nil
}

// Push appends a turn to the window, evicting the oldest beyond the window
// size, and refreshes the TTL. A missing window stays missing: the next read
// rebuilds it from the durable store with the new turn included.
func (c *SessionCache) Push(ctx context.Context, userID string, turn types.Turn) error {
	key := sessionKey(userID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	var turns []types.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return nil
	}

	turns = append(turns, turn)
	if len(turns) > c.windowSize {
		turns = turns[len(turns)-c.windowSize:]
	}
	return c.write(ctx, key, turns)
}

// Replace overwrites the window wholesale, used after a rebuild.
func (c *SessionCache) Replace(ctx context.Context, userID string, turns []types.Turn) error {
	if len(turns) > c.windowSize {
		turns = turns[len(turns)-c.windowSize:]
	}
	return c.write(ctx, sessionKey(userID), turns)
}

func (c *SessionCache) write(ctx context.Context, key string, turns []types.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal session window: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Invalidate drops the user's window.
func (c *SessionCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (c *SessionCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *SessionCache) Close() error {
	return c.client.Close()
}

// Stats returns cumulative hit and miss counts.
func (c *SessionCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
