// ABOUTME: Per-client-IP token buckets for unauthenticated endpoints such as challenge issuance
// ABOUTME: Idle buckets are evicted so a flood of distinct addresses cannot grow memory unbounded

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter hands out one token bucket per client address.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewIPLimiter allows perMinute requests per minute per address, with bursts of up
// to burst requests. perMinute <= 0 disables limiting.
func NewIPLimiter(perMinute, burst int) *IPLimiter {
	if burst <= 0 {
		burst = max(perMinute, 1)
	}
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Limit(float64(perMinute) / 60)
	}
	return &IPLimiter{
		visitors: make(map[string]*visitor),
		limit:    l,
		burst:    burst,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *IPLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// Allow reports whether ip may make a request now. When refused it also returns how
// long until a token is available.
func (l *IPLimiter) Allow(ip string) (bool, time.Duration) {
	if l.limit == rate.Inf {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Sweep evicts buckets idle for longer than the idle TTL. Returns the number removed.
func (l *IPLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}
