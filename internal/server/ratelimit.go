package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/adgate/internal/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-IP token bucket with idle eviction.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption customises a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithIdleTTL sets how long an unused per-IP bucket is kept.
func WithIdleTTL(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.idleTTL = d }
}

// NewRateLimiter returns a limiter allowing rps requests per second per IP.
// rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether requests are limited at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.rps > 0
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).AllowN(l.now(), 1)
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops buckets idle for longer than the TTL and returns how many remain.
func (l *RateLimiter) Cleanup() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
	return len(l.entries)
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(remoteIP(r)) {
			metrics.APIRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP keys buckets on the connection address. Forwarded headers are ignored.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
