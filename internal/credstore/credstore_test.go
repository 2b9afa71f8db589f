// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package credstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/store"
)

func TestResolve_Success(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, "")

	_, token, err := r.Issue(context.Background(), "acme", []string{"submit:demographics"}, nil, 0)
	require.NoError(t, err)

	tc, err := r.Resolve(context.Background(), token, "203.0.113.5", []string{"submit:demographics"})
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.Tenant)
}

func TestResolve_OrderedFailureReasons(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, "")
	ctx := context.Background()

	_, err := r.Resolve(ctx, "not-prefixed", "203.0.113.5", nil)
	require.Error(t, err)
	assert.Equal(t, FailureMalformed, err.(*ResolveError).Reason)

	_, err = r.Resolve(ctx, "ms_0000000000000000000000000000000000000000000000000000000000000000", "203.0.113.5", nil)
	require.Error(t, err)
	assert.Equal(t, FailureNotFound, err.(*ResolveError).Reason)

	cred, token, err := r.Issue(ctx, "acme", []string{"submit:demographics"}, []string{"198.51.100.0/24"}, -time.Hour)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, token, "203.0.113.5", nil)
	require.Error(t, err)
	assert.Equal(t, FailureExpired, err.(*ResolveError).Reason)

	cred.ExpiresAt = nil
	_, token2, err := r.Issue(ctx, "acme2", []string{"submit:demographics"}, []string{"198.51.100.0/24"}, time.Hour)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, token2, "203.0.113.5", nil)
	require.Error(t, err)
	assert.Equal(t, FailureIPNotAllowed, err.(*ResolveError).Reason)

	_, token3, err := r.Issue(ctx, "acme3", []string{"submit:demographics"}, nil, time.Hour)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, token3, "203.0.113.5", []string{"submit:documents"})
	require.Error(t, err)
	assert.Equal(t, FailureScopesInsuffient, err.(*ResolveError).Reason)
}

func TestResolve_RevokedCredential(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, "")
	ctx := context.Background()

	cred, token, err := r.Issue(ctx, "acme", []string{"submit:demographics"}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, cred.ID))

	_, err = r.Resolve(ctx, token, "203.0.113.5", nil)
	require.Error(t, err)
	assert.Equal(t, FailureStatusNotActive, err.(*ResolveError).Reason)
}
