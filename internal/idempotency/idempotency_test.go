// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"name": "jane", "age": float64(30)}
	b := map[string]interface{}{"age": float64(30), "name": "jane"}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprint_DiffersOnContent(t *testing.T) {
	a := map[string]interface{}{"name": "jane"}
	b := map[string]interface{}{"name": "june"}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestCache_MissThenHit(t *testing.T) {
	c := New(time.Minute)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1")
	require.NoError(t, err)
	assert.False(t, ok)

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1", Outcome{SubmissionID: "sub-1", StatusCode: 201})

	out, ok, err := c.Lookup(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sub-1", out.SubmissionID)
	assert.Equal(t, 201, out.StatusCode)
}

func TestCache_ScopedPerTenant(t *testing.T) {
	c := New(time.Minute)
	ctx := context.Background()

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1", Outcome{SubmissionID: "sub-1"})

	_, ok, err := c.Lookup(ctx, "other-tenant", "key-1", "POST", "/v1/demographics", "fp-1")
	require.NoError(t, err)
	assert.False(t, ok, "idempotency keys are scoped per tenant by construction")
}

func TestCache_ExpiresAfterWindow(t *testing.T) {
	c := New(20 * time.Millisecond)
	ctx := context.Background()

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1", Outcome{SubmissionID: "sub-1"})
	time.Sleep(60 * time.Millisecond)

	_, ok, err := c.Lookup(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ConflictOnDifferentFingerprint(t *testing.T) {
	c := New(time.Minute)
	ctx := context.Background()

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1", Outcome{SubmissionID: "sub-1"})

	_, ok, err := c.Lookup(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-2")
	require.Error(t, err)
	assert.False(t, ok)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "key-1", conflict.Key)
}

func TestCache_ConflictOnDifferentMethodOrPath(t *testing.T) {
	c := New(time.Minute)
	ctx := context.Background()

	c.Store(ctx, "acme", "key-1", "POST", "/v1/demographics", "fp-1", Outcome{SubmissionID: "sub-1"})

	_, _, err := c.Lookup(ctx, "acme", "key-1", "PUT", "/v1/demographics", "fp-1")
	require.Error(t, err)

	_, _, err = c.Lookup(ctx, "acme", "key-1", "POST", "/v1/demographics/other", "fp-1")
	require.Error(t, err)
}
