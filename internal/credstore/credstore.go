// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credstore resolves a presented bearer credential into a tenant
// context. Secrets are hashed at rest; resolution walks an
// ordered set of failure reasons so callers can log and meter precisely
// why a credential was rejected.
package credstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/store"
)

// FailureReason names why credential resolution failed, in the order
// checks are performed.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailureMalformed        FailureReason = "malformed"
	FailureNotFound         FailureReason = "not_found"
	FailureHashMismatch     FailureReason = "hash_mismatch"
	FailureStatusNotActive  FailureReason = "status_not_active"
	FailureExpired          FailureReason = "expired"
	FailureIPNotAllowed     FailureReason = "ip_not_allowed"
	FailureScopesInsuffient FailureReason = "scopes_insufficient"
)

// TenantContext is the resolved identity attached to the request context
// on successful credential resolution.
type TenantContext struct {
	CredentialID string
	Tenant       string
	Scopes       []string
}

// ResolveError reports a failed resolution without leaking which part of
// the credential was wrong beyond the coarse FailureReason.
type ResolveError struct {
	Reason FailureReason
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("credential resolution failed: %s", e.Reason)
}

// Store is the subset of store.CredentialStore the resolver needs.
type Store interface {
	FindCredentialByHash(ctx context.Context, hash string) (*store.Credential, error)
	FindCredentialByPublicPrefix(ctx context.Context, prefix string) (*store.Credential, error)
	GetCredential(ctx context.Context, id string) (*store.Credential, error)
	CreateCredential(ctx context.Context, c *store.Credential) error
	RevokeCredential(ctx context.Context, id string) error
	RecordCredentialUse(ctx context.Context, id, ip string, at time.Time) error
	ListCredentialsByTenant(ctx context.Context, tenant string) ([]*store.Credential, error)
}

const defaultPrefix = "ms_"

// publicPrefixLen is how many characters of the token (after its fixed
// scheme prefix) are stored unhashed as a lookup index.
const publicPrefixLen = 12

// publicPrefix extracts the non-secret index slice of a token.
func publicPrefix(schemePrefix, token string) string {
	rest := strings.TrimPrefix(token, schemePrefix)
	if len(rest) < publicPrefixLen {
		return rest
	}
	return rest[:publicPrefixLen]
}

// Resolver resolves presented tokens into tenant contexts and mints new
// credentials.
type Resolver struct {
	store  Store
	prefix string
}

// New builds a Resolver. prefix is the credential token prefix (e.g.
// "ms_"); if empty, defaultPrefix is used.
func New(s Store, prefix string) *Resolver {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Resolver{store: s, prefix: prefix}
}

// HashToken computes the at-rest hash of a presented token. Tokens are
// high-entropy random values, so a fast unkeyed SHA-256 digest (rather than a slow
// password KDF) is appropriate here.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new credential for tenant with the given scopes and
// optional CIDR allowlist. It returns the credential record (Hash set,
// never the clear token) and the one-time-visible clear token. A zero ttl
// issues a credential that never expires; a negative ttl issues one that
// is already expired.
func (r *Resolver) Issue(ctx context.Context, tenant string, scopes, allowedCIDRs []string, ttl time.Duration) (*store.Credential, string, error) {
	token, err := randomToken(r.prefix)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	cred := &store.Credential{
		ID:           uuid.New().String(),
		Tenant:       tenant,
		PublicPrefix: publicPrefix(r.prefix, token),
		Hash:         HashToken(token),
		Scopes:       scopes,
		AllowedCIDRs: allowedCIDRs,
		Status:       store.CredentialActive,
		CreatedAt:    now,
	}
	if ttl != 0 {
		exp := now.Add(ttl)
		cred.ExpiresAt = &exp
	}
	if err := r.store.CreateCredential(ctx, cred); err != nil {
		return nil, "", err
	}
	return cred, token, nil
}

// Revoke marks a credential as revoked.
func (r *Resolver) Revoke(ctx context.Context, credentialID string) error {
	return r.store.RevokeCredential(ctx, credentialID)
}

// List returns the credentials issued to a tenant.
func (r *Resolver) List(ctx context.Context, tenant string) ([]*store.Credential, error) {
	return r.store.ListCredentialsByTenant(ctx, tenant)
}

// Resolve walks the ordered check sequence and returns the
// resolved tenant context, or a *ResolveError naming the first failing
// check.
func (r *Resolver) Resolve(ctx context.Context, presentedToken, clientIP string, requiredScopes []string) (*TenantContext, error) {
	if !strings.HasPrefix(presentedToken, r.prefix) || len(presentedToken) < len(r.prefix)+16 {
		return nil, &ResolveError{Reason: FailureMalformed}
	}

	cred, err := r.store.FindCredentialByPublicPrefix(ctx, publicPrefix(r.prefix, presentedToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ResolveError{Reason: FailureNotFound}
		}
		return nil, err
	}

	// The public prefix only narrows the lookup; two tokens can share a
	// prefix, so the actual authorization decision is this comparison.
	hash := HashToken(presentedToken)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(cred.Hash)) != 1 {
		return nil, &ResolveError{Reason: FailureHashMismatch}
	}

	if cred.Status != store.CredentialActive {
		return nil, &ResolveError{Reason: FailureStatusNotActive}
	}

	if cred.ExpiresAt != nil && time.Now().UTC().After(*cred.ExpiresAt) {
		return nil, &ResolveError{Reason: FailureExpired}
	}

	if len(cred.AllowedCIDRs) > 0 && !ipAllowed(clientIP, cred.AllowedCIDRs) {
		return nil, &ResolveError{Reason: FailureIPNotAllowed}
	}

	if !scopesSatisfy(cred.Scopes, requiredScopes) {
		return nil, &ResolveError{Reason: FailureScopesInsuffient}
	}

	// Fire-and-forget usage tracking: never block the request path on a
	// bookkeeping write.
	go func() {
		if err := r.store.RecordCredentialUse(context.Background(), cred.ID, clientIP, time.Now().UTC()); err != nil {
			logging.Warn().Err(err).Str("credential_id", cred.ID).Msg("failed to record credential use")
		}
	}()

	return &TenantContext{CredentialID: cred.ID, Tenant: cred.Tenant, Scopes: cred.Scopes}, nil
}

func ipAllowed(clientIP string, cidrs []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// scopesSatisfy reports whether granted is a superset of required: every
// scope the operation demands must be present among the credential's
// granted scopes.
func scopesSatisfy(granted, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}
