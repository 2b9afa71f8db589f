// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter is a per-IP token-bucket limiter for unauthenticated routes
// that ratelimit's per-credential windows never see — chiefly admin
// bootstrap, which mints the very first credential and so runs before any
// rate-limited credential exists. Entries for IPs that haven't been seen
// in staleAfter are evicted by a background sweep.
type IPLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*ipLimiterEntry
	rps        rate.Limit
	burst      int
	staleAfter time.Duration
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// NewIPLimiter builds a limiter allowing burst immediate requests and
// rps requests per second thereafter, per source IP.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	return &IPLimiter{
		limiters:   make(map[string]*ipLimiterEntry),
		rps:        rate.Limit(rps),
		burst:      burst,
		staleAfter: 10 * time.Minute,
	}
}

// Allow reports whether a request from ip may proceed.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeenAt = time.Now()
	return entry.limiter.Allow()
}

// StartCleanup runs a background sweep that evicts stale per-IP entries.
// It never returns; callers run it in its own goroutine for the life of
// the process, same as the limiter itself.
func (l *IPLimiter) StartCleanup(interval time.Duration) {
	for range time.Tick(interval) {
		cutoff := time.Now().Add(-l.staleAfter)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if entry.lastSeenAt.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// LimitBootstrap wraps a handler with the per-IP limiter, refusing with 429
// once the bucket is exhausted.
func LimitBootstrap(l *IPLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientIP(r)) {
				rw := NewResponseWriter(w, r)
				rw.TooManyRequests(time.Minute)
				return
			}
			next(w, r)
		}
	}
}
