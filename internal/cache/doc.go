// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the in-memory TTL-expiring key-value store that
// backs the idempotency cache.
//
// The store is thread-safe (sync.RWMutex). An expired entry is removed when
// a Get finds it, and New also starts a background goroutine that sweeps
// every expired entry out of the map every 5 minutes; that goroutine runs
// for the life of the process. The store has no size bound and no
// persistent backing: memory grows with the number of live keys.
package cache
