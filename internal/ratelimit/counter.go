// ABOUTME: Sharded fixed-window request counters keyed by agent, endpoint or client
// ABOUTME: Increment-and-check is atomic per key; stale windows are swept in the background

package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	// DefaultShards is the number of independently locked counter shards.
	DefaultShards = 32

	// DefaultCleanupInterval is how often expired windows are dropped.
	DefaultCleanupInterval = time.Minute
)

// window is the counter state for one key.
type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Counter is a fixed-window rate limiter. A key's window opens on its first request
// and closes window-duration later; at most limit requests are admitted per window.
type Counter struct {
	shards []*shard
	now    func() time.Time

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewCounter creates a Counter. A background goroutine drops expired windows every
// cleanupInterval; a non-positive interval selects DefaultCleanupInterval.
func NewCounter(cleanupInterval time.Duration) *Counter {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	c := &Counter{
		shards: make([]*shard, DefaultShards),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{windows: make(map[string]*window)}
	}
	go c.cleanup(cleanupInterval)
	return c
}

// SetClock replaces the time source. Used by tests.
func (c *Counter) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Counter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Allow counts one request against key. When the window is full it reports false
// and how long until the window resets. Denied requests do not extend the window.
func (c *Counter) Allow(key string, limit int, d time.Duration) (bool, time.Duration) {
	if limit <= 0 || d <= 0 {
		return true, 0
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.windows[key] = w
	}

	if w.count >= limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// Remaining reports how many requests key may still make in its current window.
func (c *Counter) Remaining(key string, limit int) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !c.now().Before(w.resetAt) {
		return limit
	}
	return max(limit-w.count, 0)
}

// Len returns the number of tracked windows, expired or not.
func (c *Counter) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// cleanup runs in a background goroutine, periodically removing expired windows.
func (c *Counter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops every window that has already reset. Returns the number removed.
func (c *Counter) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if !now.Before(w.resetAt) {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Counter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
