// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforcer_SubmitterRoutes(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	ok, err := e.Allowed(RoleSubmitter, "/v1/demographics", "POST")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allowed(RoleSubmitter, "/v1/demographics/sub-123", "GET")
	require.NoError(t, err)
	assert.True(t, ok, "keyMatch2 should match the :id placeholder")

	ok, err = e.Allowed(RoleSubmitter, "/v1/admin/api-keys", "POST")
	require.NoError(t, err)
	assert.False(t, ok, "submitters may not manage credentials")
}

func TestEnforcer_AdminRoutes(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	ok, err := e.Allowed(RoleAdmin, "/v1/admin/api-keys", "POST")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allowed(RoleAdmin, "/v1/admin/api-keys/cred-1", "DELETE")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Allowed(RoleAdmin, "/v1/documents/upload-url", "POST")
	require.NoError(t, err)
	assert.True(t, ok, "admins retain every submitter capability")
}

func TestEnforcer_UnknownPathOrMethodDenied(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	ok, err := e.Allowed(RoleSubmitter, "/v1/demographics", "DELETE")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Allowed(RoleSubmitter, "/v1/unknown-route", "GET")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoleForScopes(t *testing.T) {
	assert.Equal(t, RoleAdmin, RoleForScopes([]string{"submit:demographics", "admin:credentials"}))
	assert.Equal(t, RoleSubmitter, RoleForScopes([]string{"submit:demographics"}))
	assert.Equal(t, RoleSubmitter, RoleForScopes(nil))
}
