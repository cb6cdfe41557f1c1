// Package noncecache implements replay detection for a single session's
// ECHO_REQ nonces, modeled on the sent-packet dedup cache in
// tools/twamp/pkg/light/sender.go (a map guarded by a mutex, swept
// periodically of anything older than the replay window).
package noncecache

import (
	"sync"
	"time"
)

// Cache tracks nonce_ts_ns values seen within the current sliding window.
// It exists per session — a nonce reused across two different client IDs
// is not a replay, since each session owns its own Cache.
//
// Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[uint64]struct{}
	// order holds timestamps in arrival order for amortized O(1) sweep.
	// This relies on nonce_ts_ns being non-decreasing for a well-behaved
	// client; an out-of-order arrival is still rejected correctly by the
	// seen map, it just won't be evicted early by sweep.
	order []uint64
}

// New creates a nonce cache that evicts entries older than window.
func New(window time.Duration) *Cache {
	return &Cache{
		window: window,
		seen:   make(map[uint64]struct{}),
	}
}

// CheckAndInsert reports whether tsNanos is fresh (true) or a replay
// (false). A fresh nonce is recorded so a later replay is detected.
func (c *Cache) CheckAndInsert(tsNanos uint64) (fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[tsNanos]; ok {
		return false
	}
	c.seen[tsNanos] = struct{}{}
	c.order = append(c.order, tsNanos)
	return true
}

// Sweep evicts entries older than the replay window relative to nowNanos,
// which should be on the same clock as the nonce timestamps fed to
// CheckAndInsert (wall-clock nanoseconds, as the echo server uses them). It returns the number of entries evicted.
func (c *Cache) Sweep(nowNanos uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := int64(nowNanos) - c.window.Nanoseconds()
	evicted := 0
	i := 0
	for i < len(c.order) {
		if int64(c.order[i]) >= cutoff {
			break
		}
		delete(c.seen, c.order[i])
		evicted++
		i++
	}
	c.order = c.order[i:]
	return evicted
}

// Len returns the number of nonces currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
