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

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	limits := Limits{Burst: 2, Minute: 100, Hour: 1000, Day: 10000}
	now := time.Now()

	d, err := l.Check(context.Background(), "cred-1", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_RefusesTightestWindowFirst(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	limits := Limits{Burst: 1, Minute: 100, Hour: 1000, Day: 10000}
	now := time.Now()

	d, err := l.Check(context.Background(), "cred-1", limits, now)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Check(context.Background(), "cred-1", limits, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowBurst, d.Window)
	assert.Positive(t, d.RetryAfter)
}

func TestLimiter_ZeroLimitSkipsWindow(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	limits := Limits{Burst: 0, Minute: 1, Hour: 0, Day: 0}
	now := time.Now()

	for i := 0; i < 1; i++ {
		d, err := l.Check(context.Background(), "cred-1", limits, now)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(context.Background(), "cred-1", limits, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window)
}

func TestLimiter_FailsOpenWhenStoreUnavailable(t *testing.T) {
	store := NewMemoryStore()
	store.SetHealthy(false)
	l := New(store)
	limits := Limits{Burst: 1, Minute: 1, Hour: 1, Day: 1}

	d, err := l.Check(context.Background(), "cred-1", limits, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
}

func TestMemoryStore_TTLExpiryResetsCounter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	count, err := store.IncrementAndGet(ctx, "k", -time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	time.Sleep(2 * time.Millisecond)
	count, err = store.IncrementAndGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "expired key should restart the count")
}
