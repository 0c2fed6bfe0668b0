package rediscache

import (
	"context"
	"sync"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// MemoryCache implements storage.SessionCache in process for deployments
// without a Redis server. Windows expire lazily on read.
type MemoryCache struct {
	mu         sync.RWMutex
	windows    map[string]memoryWindow
	windowSize int
	ttl        time.Duration
}

type memoryWindow struct {
	turns     []types.Turn
	expiresAt time.Time
}

var _ storage.SessionCache = (*MemoryCache)(nil)

// NewMemory creates an in-process session cache.
func NewMemory(windowSize int, ttl time.Duration) *MemoryCache {
	if windowSize <= 0 {
		windowSize = 15
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryCache{
		windows:    make(map[string]memoryWindow),
		windowSize: windowSize,
		ttl:        ttl,
	}
}

// Window returns the cached window in chronological order, or nil on miss.
func (c *MemoryCache) Window(_ context.Context, userID string) ([]types.Turn, error) {
	c.mu.RLock()
	w, ok := c.windows[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(w.expiresAt) {
		c.mu.Lock()
		delete(c.windows, userID)
		c.mu.Unlock()
		return nil, nil
	}
	turns := make([]types.Turn, len(w.turns))
	copy(turns, w.turns)
	return turns, nil
}

// Push appends a turn to an existing window. A missing or expired window
// stays missing, matching the Redis implementation.
func (c *MemoryCache) Push(_ context.Context, userID string, turn types.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[userID]
	if !ok || time.Now().After(w.expiresAt) {
		delete(c.windows, userID)
		return nil
	}
	w.turns = append(w.turns, turn)
	if len(w.turns) > c.windowSize {
		w.turns = w.turns[len(w.turns)-c.windowSize:]
	}
	w.expiresAt = time.Now().Add(c.ttl)
	c.windows[userID] = w
	return nil
}

// Replace overwrites the window wholesale.
func (c *MemoryCache) Replace(_ context.Context, userID string, turns []types.Turn) error {
	if len(turns) > c.windowSize {
		turns = turns[len(turns)-c.windowSize:]
	}
	copied := make([]types.Turn, len(turns))
	copy(copied, turns)

	c.mu.Lock()
	c.windows[userID] = memoryWindow{turns: copied, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the user's window.
func (c *MemoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	delete(c.windows, userID)
	c.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process cache.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close drops all windows.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.windows = make(map[string]memoryWindow)
	c.mu.Unlock()
	return nil
}
