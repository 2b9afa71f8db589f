// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit implements the four fixed-window counters guarding
// every credentialed request: burst (10s), minute, hour, and
// day windows. Each window is a counter keyed by credential, window
// name, and bucket index; a request is refused if any window's count
// would exceed its configured limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/metrics"
)

// Window names the four fixed windows checked on every request.
type Window string

const (
	WindowBurst  Window = "burst"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) duration() time.Duration {
	switch w {
	case WindowBurst:
		return 10 * time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Limits holds the per-window ceilings for a credential.
type Limits struct {
	Burst  int64
	Minute int64
	Hour   int64
	Day    int64
}

func (l Limits) forWindow(w Window) int64 {
	switch w {
	case WindowBurst:
		return l.Burst
	case WindowMinute:
		return l.Minute
	case WindowHour:
		return l.Hour
	case WindowDay:
		return l.Day
	default:
		return 0
	}
}

var allWindows = []Window{WindowBurst, WindowMinute, WindowHour, WindowDay}

// Store is the backing counter store. An in-memory implementation is
// provided below; a production deployment may back this with Redis or
// badger for cross-instance sharing.
type Store interface {
	// IncrementAndGet atomically increments the counter at key by one and
	// returns the post-increment value, setting the key's expiry to ttl if
	// it is newly created.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Ping reports whether the backing store is reachable, for degraded-mode
	// detection.
	Ping(ctx context.Context) error
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed     bool
	Window      Window // the window that refused the request, if !Allowed
	Limit       int64
	Remaining   int64
	RetryAfter  time.Duration
	FailedOpen  bool // true if a backing-store outage forced a fail-open decision
}

// Limiter evaluates the four fixed windows for a credential.
type Limiter struct {
	store Store
}

// New builds a Limiter backed by store.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// bucketIndex returns the index of the current bucket for a window,
// derived from wall-clock time so independent instances agree on bucket
// boundaries without coordination.
func bucketIndex(w Window, at time.Time) int64 {
	return at.UTC().Unix() / int64(w.duration().Seconds())
}

func key(credentialID string, w Window, bucket int64) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", credentialID, w, bucket)
}

// Check evaluates all four windows for credentialID at time now, in
// ascending strictness order (burst, minute, hour, day) so the tightest
// window fails first. If the backing store's Ping fails, no window is
// checked and the request is allowed with FailedOpen set. If incrementing
// the minute window fails, the request is allowed with FailedOpen set and
// the hour and day windows are not checked; an increment failure on any
// other window is returned as an error.
func (l *Limiter) Check(ctx context.Context, credentialID string, limits Limits, now time.Time) (Decision, error) {
	if err := l.store.Ping(ctx); err != nil {
		metrics.RateLimitDegraded.Set(1)
		logging.Warn().Err(err).Msg("rate limit store unavailable, failing open")
		return Decision{Allowed: true, FailedOpen: true}, nil
	}
	metrics.RateLimitDegraded.Set(0)

	for _, w := range allWindows {
		limit := limits.forWindow(w)
		if limit <= 0 {
			continue
		}
		bucket := bucketIndex(w, now)
		count, err := l.store.IncrementAndGet(ctx, key(credentialID, w, bucket), w.duration())
		if err != nil {
			if w == WindowMinute {
				metrics.RateLimitDegraded.Set(1)
				return Decision{Allowed: true, FailedOpen: true}, nil
			}
			return Decision{}, err
		}
		if count > limit {
			metrics.RateLimitHits.WithLabelValues(string(w)).Inc()
			remaining := time.Duration((bucket+1)*int64(w.duration().Seconds())-now.UTC().Unix()) * time.Second
			return Decision{Allowed: false, Window: w, Limit: limit, Remaining: 0, RetryAfter: remaining}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// MemoryStore is an in-process Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expiry  map[string]time.Time
	healthy bool
}

// NewMemoryStore builds a healthy in-memory rate-limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts:  make(map[string]int64),
		expiry:  make(map[string]time.Time),
		healthy: true,
	}
}

// SetHealthy toggles the store's Ping response, for testing degraded mode.
func (m *MemoryStore) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return fmt.Errorf("rate limit store: simulated outage")
	}
	return nil
}

func (m *MemoryStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if exp, ok := m.expiry[key]; ok && now.After(exp) {
		delete(m.counts, key)
	}
	m.counts[key]++
	if _, ok := m.expiry[key]; !ok {
		m.expiry[key] = now.Add(ttl)
	}
	return m.counts[key], nil
}

var _ Store = (*MemoryStore)(nil)
