// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idempotency implements the submission dedup cache: a
// caller-supplied idempotency key scopes a (method, path, body-fingerprint)
// tuple, and the prior outcome is replayed verbatim on a repeat request
// bearing the same key within the dedup window. A repeat of the same key
// with a different method, path, or body fingerprint is a conflict, not a
// replay.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/claimsplatform/intake/internal/cache"
	"github.com/claimsplatform/intake/internal/metrics"
)

// Outcome is the stored result of a prior request, replayed verbatim when
// a repeat of its idempotency key is seen within the window.
type Outcome struct {
	SubmissionID  string
	CorrelationID string
	StatusCode    int
	Body          []byte
	StoredAt      time.Time
}

// Conflict is returned when an idempotency key is reused with a different
// method, path, or request body than the one it was first bound to.
type Conflict struct {
	Key string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different request", c.Key)
}

// DefaultWindow is the dedup window an idempotency key is honored for
// (24 hours).
const DefaultWindow = 24 * time.Hour

// Cache looks up and stores request outcomes by tenant-scoped,
// caller-supplied idempotency key.
type Cache struct {
	c      cache.Cacher
	window time.Duration
}

// New builds a Cache with the given dedup window. If window is zero,
// DefaultWindow is used.
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{c: cache.NewTTL(window), window: window}
}

// entry binds one idempotency key to the request shape it was first seen
// with, plus the outcome to replay on a matching repeat.
type entry struct {
	tenant      string
	method      string
	path        string
	fingerprint string
	outcome     Outcome
}

// Fingerprint computes the canonical-JSON SHA-256 fingerprint of a decoded
// payload: map keys are sorted before marshaling so that two payloads
// differing only in field order produce the same fingerprint.
func Fingerprint(payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize produces a byte-stable JSON encoding: object keys are
// sorted recursively, and arrays preserve input order.
func canonicalize(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			b, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// key scopes a caller-supplied idempotency key to a tenant: the same key
// string presented by two different tenants must never collide.
func key(tenant, idempotencyKey string) string {
	return tenant + ":" + idempotencyKey
}

// Lookup returns the stored outcome for (tenant, idempotencyKey) if the
// request's method, path, and body fingerprint match what the key was
// first bound to. ok is false on a miss (no prior request with this key).
// err is a *Conflict if the key is already bound to a different method,
// path, or fingerprint.
func (c *Cache) Lookup(ctx context.Context, tenant, idempotencyKey, method, path, fingerprint string) (Outcome, bool, error) {
	raw, ok := c.c.Get(key(tenant, idempotencyKey))
	if !ok {
		metrics.IdempotencyHits.WithLabelValues("miss").Inc()
		return Outcome{}, false, nil
	}
	e, ok := raw.(entry)
	if !ok {
		metrics.IdempotencyHits.WithLabelValues("miss").Inc()
		return Outcome{}, false, nil
	}
	if e.tenant != tenant || e.method != method || e.path != path || e.fingerprint != fingerprint {
		metrics.IdempotencyHits.WithLabelValues("conflict").Inc()
		return Outcome{}, false, &Conflict{Key: idempotencyKey}
	}
	metrics.IdempotencyHits.WithLabelValues("hit").Inc()
	return e.outcome, true, nil
}

// Store records the outcome of a new request under (tenant, idempotencyKey),
// bound to the given method/path/fingerprint, for the dedup window.
func (c *Cache) Store(ctx context.Context, tenant, idempotencyKey, method, path, fingerprint string, outcome Outcome) {
	c.c.SetWithTTL(key(tenant, idempotencyKey), entry{
		tenant:      tenant,
		method:      method,
		path:        path,
		fingerprint: fingerprint,
		outcome:     outcome,
	}, c.window)
}
