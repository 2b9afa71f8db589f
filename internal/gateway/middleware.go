// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/claimsplatform/intake/internal/authz"
	"github.com/claimsplatform/intake/internal/credstore"
	"github.com/claimsplatform/intake/internal/ratelimit"
)

type tenantContextKey struct{}

// TenantFromContext returns the resolved tenant context attached by
// Authenticate, or nil if the request was not authenticated.
func TenantFromContext(ctx context.Context) *credstore.TenantContext {
	tc, _ := ctx.Value(tenantContextKey{}).(*credstore.TenantContext)
	return tc
}

// RequiredScopes maps a route to the scopes it demands.
type RequiredScopes func(r *http.Request) []string

// Authenticate resolves the presented bearer credential and attaches the
// tenant context, refusing with 401 on any resolution failure.
func Authenticate(resolver *credstore.Resolver, scopesFor RequiredScopes) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rw := NewResponseWriter(w, r)
			token := bearerToken(r)
			if token == "" {
				rw.Unauthorized("missing bearer credential")
				return
			}

			tc, err := resolver.Resolve(r.Context(), token, clientIP(r), scopesFor(r))
			if err != nil {
				rw.Unauthorized("credential rejected")
				return
			}

			ctx := context.WithValue(r.Context(), tenantContextKey{}, tc)
			next(w, r.WithContext(ctx))
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Limits resolves a per-credential limit set. A production deployment
// keys this off tenant tier; the default here applies a single policy.
type Limits func(tenant string) ratelimit.Limits

// DefaultLimits is the policy applied when no tenant-specific override
// is configured.
func DefaultLimits(string) ratelimit.Limits {
	return ratelimit.Limits{Burst: 20, Minute: 300, Hour: 5000, Day: 50000}
}

// Authorize enforces the path-and-method ACL for the authenticated
// credential's role, on top of the scope check already performed during
// resolution. Must run after Authenticate.
func Authorize(enforcer *authz.Enforcer) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rw := NewResponseWriter(w, r)
			tc := TenantFromContext(r.Context())
			if tc == nil {
				rw.Unauthorized("missing tenant context")
				return
			}

			role := authz.RoleForScopes(tc.Scopes)
			allowed, err := enforcer.Allowed(role, r.URL.Path, r.Method)
			if err != nil {
				rw.InternalError("authorization check failed")
				return
			}
			if !allowed {
				rw.Forbidden("credential not permitted for this route")
				return
			}
			next(w, r)
		}
	}
}

// RateLimit enforces the four fixed windows for the authenticated
// credential. Must run after Authenticate.
func RateLimit(limiter *ratelimit.Limiter, limits Limits) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tc := TenantFromContext(r.Context())
			rw := NewResponseWriter(w, r)
			if tc == nil {
				rw.Unauthorized("missing tenant context")
				return
			}

			decision, err := limiter.Check(r.Context(), tc.CredentialID, limits(tc.Tenant), time.Now())
			if err != nil {
				rw.InternalError("rate limit check failed")
				return
			}
			if !decision.Allowed {
				rw.TooManyRequests(decision.RetryAfter)
				return
			}
			next(w, r)
		}
	}
}
