// Package ratelimit bounds how often one client address may open websocket
// connections.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christopherjohns/metaworkspace/internal/observability"
)

// IPLimiter tracks request counts per IP within a sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max requests per window.
// A max of 0 allows everything.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the request is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.live(l.entries[ip], now.Add(-l.window))
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// live drops timestamps at or before cutoff, reusing the backing array.
func (l *IPLimiter) live(timestamps []time.Time, cutoff time.Time) []time.Time {
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Prune forgets addresses with no requests inside the window and returns how
// many remain tracked.
func (l *IPLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for ip, timestamps := range l.entries {
		valid := l.live(timestamps, cutoff)
		if len(valid) == 0 {
			delete(l.entries, ip)
			continue
		}
		l.entries[ip] = valid
	}
	return len(l.entries)
}

// Middleware rejects requests from addresses over the limit with 429.
// metrics may be nil.
func (l *IPLimiter) Middleware(next http.Handler, log *zap.Logger, metrics *observability.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !l.Allow(ip) {
			log.Warn("connect rate limit exceeded", zap.String("ip", ip))
			if metrics != nil {
				metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
