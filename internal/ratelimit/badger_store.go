// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore backs the four fixed-window counters with an embedded
// badger database so counts survive process restarts and are shared
// across every gateway instance pointed at the same data directory.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger rate limit store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database handle.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// IncrementAndGet implements Store. It preserves the counter's original
// expiry across increments so a window's TTL is set once, at creation.
func (b *BadgerStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var result int64
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			result = 1
			entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(result, 10))).WithTTL(ttl)
			return txn.SetEntry(entry)
		}
		if err != nil {
			return err
		}

		var cur int64
		if verr := item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseInt(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			cur = parsed
			return nil
		}); verr != nil {
			return verr
		}
		cur++
		result = cur

		remaining := ttl
		if expiresAt := item.ExpiresAt(); expiresAt > 0 {
			if d := time.Until(time.Unix(int64(expiresAt), 0)); d > 0 {
				remaining = d
			}
		}
		entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(cur, 10))).WithTTL(remaining)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("badger increment %s: %w", key, err)
	}
	return result, nil
}

// Ping reports whether the database handle is usable.
func (b *BadgerStore) Ping(ctx context.Context) error {
	return b.db.View(func(txn *badger.Txn) error { return nil })
}

var _ Store = (*BadgerStore)(nil)
