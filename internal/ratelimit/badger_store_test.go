// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_IncrementAndGet(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	count, err := store.IncrementAndGet(ctx, "burst:cred-1:1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = store.IncrementAndGet(ctx, "burst:cred-1:1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = store.IncrementAndGet(ctx, "burst:cred-2:1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "distinct keys track independent counters")
}

func TestBadgerStore_PreservesTTLAcrossIncrements(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.IncrementAndGet(ctx, "day:cred-1:1", 24*time.Hour)
	require.NoError(t, err)

	count, err := store.IncrementAndGet(ctx, "day:cred-1:1", time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "the short ttl argument on a later increment must not shorten the window")
}

func TestBadgerStore_Ping(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Ping(context.Background()))
}
