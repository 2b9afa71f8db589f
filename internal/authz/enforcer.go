// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authz enforces a path-and-method ACL for the credentialed
// routes, on top of the scope check performed during credential
// resolution. Scopes decide what a credential may attempt in
// principle; this enforcer decides, per route, whether the credential's
// resolved role is actually allowed to call it.
package authz

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Role names a grant group. "admin" credentials may call every submitter
// route plus credential management; "submitter" credentials may not.
const (
	RoleAdmin     = "admin"
	RoleSubmitter = "submitter"
)

// Enforcer wraps a Casbin synced enforcer loaded from the embedded
// model and policy.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads the embedded ACL model and policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load authz model: %w", err)
	}

	adapter := newStringAdapter(embeddedPolicy)
	e, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("build authz enforcer: %w", err)
	}
	return &Enforcer{enforcer: e}, nil
}

// Allowed reports whether role may call method on path.
func (e *Enforcer) Allowed(role, path, method string) (bool, error) {
	ok, err := e.enforcer.Enforce(role, path, method)
	if err != nil {
		return false, fmt.Errorf("authz enforce: %w", err)
	}
	return ok, nil
}

// RoleForScopes derives the coarse role used for path ACL checks from a
// credential's granted scopes. admin:credentials implies the admin role;
// every other credential is a submitter.
func RoleForScopes(scopes []string) string {
	for _, s := range scopes {
		if s == "admin:credentials" {
			return RoleAdmin
		}
	}
	return RoleSubmitter
}
