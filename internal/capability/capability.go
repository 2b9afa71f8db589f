// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package capability issues and validates time-limited, single-use
// capability URLs for document upload and download. Blob
// paths are derived deterministically from tenant, issue date, correlation
// ID, and sanitized filename so repeated issuance for the same logical
// document is idempotent at the storage layer.
package capability

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimsplatform/intake/internal/metrics"
	"github.com/claimsplatform/intake/internal/store"
)

// DefaultTTL is the validity window of an issued capability URL.
const DefaultTTL = 24 * time.Hour

// DefaultMaxUploadSizeMB is the upload size ceiling applied when a caller
// does not specify one.
const DefaultMaxUploadSizeMB = 25

// ErrUploadTooLarge is returned by ValidateUploaded when the blob that
// arrived exceeds the capability's max_size_mb ceiling.
var ErrUploadTooLarge = errors.New("capability: uploaded blob exceeds max_size_mb")

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	repeatedUnderscores = regexp.MustCompile(`_{2,}`)
	unsafeTenantChars   = regexp.MustCompile(`[^a-z0-9]+`)
)

// SanitizeFilename strips path separators and unsafe characters, folds to
// lowercase, collapses repeated separators, and caps length, so a
// caller-supplied filename can never escape the blob namespace or collide
// with control characters.
func SanitizeFilename(name string) string {
	name = path.Base(name)
	name = strings.ToLower(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "document"
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}

// NormalizeTenant lowercases a tenant identifier and collapses any run of
// non-alphanumeric characters to a single underscore, so it can be
// embedded safely as a blob storage path segment.
func NormalizeTenant(tenant string) string {
	t := strings.ToLower(tenant)
	t = unsafeTenantChars.ReplaceAllString(t, "_")
	t = strings.Trim(t, "_")
	if t == "" {
		t = "tenant"
	}
	return t
}

// BlobPath computes the deterministic storage path for a document:
// <normalized-tenant>/<yyyy-mm-dd>/<correlation-id>_<sanitized-filename>.
func BlobPath(tenant, correlationID, filename string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s_%s", NormalizeTenant(tenant), at.Format("2006-01-02"), correlationID, SanitizeFilename(filename))
}

// ObjectStore abstracts the blob backend behind capability URLs. A real
// deployment backs this with a cloud object store's presigned-URL API;
// local development and tests use the in-memory implementation below.
type ObjectStore interface {
	// PresignUpload returns a URL the caller can PUT the blob to directly,
	// constrained to contentType where the backend supports it.
	PresignUpload(ctx context.Context, blobPath, contentType string, ttl time.Duration) (string, error)
	// PresignDownload returns a URL the caller can GET the blob from directly.
	PresignDownload(ctx context.Context, blobPath string, ttl time.Duration) (string, error)
	// Stat reports whether blobPath exists and its size, used to validate
	// that an upload capability was actually consumed.
	Stat(ctx context.Context, blobPath string) (exists bool, sizeBytes int64, err error)
}

// Issuer issues and tracks capability URLs.
type Issuer struct {
	store       store.CapabilityStore
	objectStore ObjectStore
	ttl         time.Duration
}

// New builds an Issuer. If ttl is zero, DefaultTTL is used.
func New(s store.CapabilityStore, os ObjectStore, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{store: s, objectStore: os, ttl: ttl}
}

// IssueUpload mints a capability record and presigned upload URL for a
// new document. If maxSizeMB is zero or negative, DefaultMaxUploadSizeMB
// is used.
func (i *Issuer) IssueUpload(ctx context.Context, tenant, correlationID, filename, contentType string, maxSizeMB float64) (*store.Capability, string, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxUploadSizeMB
	}
	now := time.Now().UTC()
	blobPath := BlobPath(tenant, correlationID, filename, now)
	cap := &store.Capability{
		ID:            uuid.New().String(),
		Tenant:        tenant,
		Kind:          store.CapabilityUpload,
		BlobPath:      blobPath,
		Filename:      SanitizeFilename(filename),
		CorrelationID: correlationID,
		ContentType:   contentType,
		MaxSizeBytes:  int64(maxSizeMB * 1024 * 1024),
		Status:        store.CapabilityPending,
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl),
	}
	if err := i.store.CreateCapability(ctx, cap); err != nil {
		return nil, "", err
	}
	url, err := i.objectStore.PresignUpload(ctx, blobPath, contentType, i.ttl)
	if err != nil {
		return nil, "", fmt.Errorf("presign upload: %w", err)
	}
	metrics.CapabilityURLsIssued.WithLabelValues("upload").Inc()
	return cap, url, nil
}

// IssueDownload mints a presigned download URL for an already-stored
// document.
func (i *Issuer) IssueDownload(ctx context.Context, capabilityID string) (string, error) {
	cap, err := i.store.GetCapability(ctx, capabilityID)
	if err != nil {
		return "", err
	}
	if cap.Status != store.CapabilityStored {
		return "", fmt.Errorf("capability %s is not stored (status=%s)", capabilityID, cap.Status)
	}
	url, err := i.objectStore.PresignDownload(ctx, cap.BlobPath, i.ttl)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	metrics.CapabilityURLsIssued.WithLabelValues("download").Inc()
	return url, nil
}

// ValidateUploaded checks the object store for the blob behind a pending
// upload capability and marks it stored if present. Returns false if the
// blob has not yet arrived, or ErrUploadTooLarge if it arrived but
// exceeds the capability's max_size_mb ceiling.
func (i *Issuer) ValidateUploaded(ctx context.Context, capabilityID string) (bool, error) {
	cap, err := i.store.GetCapability(ctx, capabilityID)
	if err != nil {
		return false, err
	}
	exists, size, err := i.objectStore.Stat(ctx, cap.BlobPath)
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	if !exists {
		return false, nil
	}
	if cap.MaxSizeBytes > 0 && size > cap.MaxSizeBytes {
		return false, ErrUploadTooLarge
	}
	if err := i.store.MarkCapabilityStored(ctx, capabilityID, size, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// MarkValidationFailed stops the reactor from retrying an upload that
// failed validation (e.g. exceeded max_size_mb) by expiring the
// capability early.
func (i *Issuer) MarkValidationFailed(ctx context.Context, capabilityID string) error {
	return i.store.MarkCapabilityExpired(ctx, capabilityID)
}

// GetStatus returns the current capability record.
func (i *Issuer) GetStatus(ctx context.Context, capabilityID string) (*store.Capability, error) {
	return i.store.GetCapability(ctx, capabilityID)
}

// ExpireIfPast marks a pending capability expired if its TTL has elapsed
// without an upload arriving.
func (i *Issuer) ExpireIfPast(ctx context.Context, capabilityID string, now time.Time) error {
	cap, err := i.store.GetCapability(ctx, capabilityID)
	if err != nil {
		return err
	}
	if cap.Status == store.CapabilityPending && now.After(cap.ExpiresAt) {
		return i.store.MarkCapabilityExpired(ctx, capabilityID)
	}
	return nil
}
