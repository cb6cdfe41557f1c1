// Package ratelimit bounds per-remote-address packet rates on the echo
// server using golang.org/x/time/rate, the token-bucket library the wider
// example pack already depends on transitively through its HTTP clients.
// Excess packets are silently dropped, matching the resource-bounds
// policy in spec.md §5.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerAddrLimiter holds one token bucket per remote address string, created
// lazily on first sight and never evicted. The echo server consults it
// before any decoding or authentication, so every distinct address that
// sends a packet gets a bucket; the map is not bounded by MaxSessions.
type PerAddrLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      int
	burst    int
}

// NewPerAddrLimiter creates a limiter allowing rps packets/s per address,
// with burst as the bucket size. rps <= 0 disables limiting entirely.
func NewPerAddrLimiter(rps, burst int) *PerAddrLimiter {
	return &PerAddrLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Allow reports whether a packet from addr may proceed, consuming one
// token if so.
func (p *PerAddrLimiter) Allow(addr string) bool {
	if p.rps <= 0 {
		return true
	}

	p.mu.Lock()
	l, ok := p.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.limiters[addr] = l
	}
	p.mu.Unlock()

	return l.Allow()
}

// Len returns the number of distinct addresses currently tracked.
func (p *PerAddrLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
