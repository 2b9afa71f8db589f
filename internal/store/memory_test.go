// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CredentialNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetCredential(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.FindCredentialByHash(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.RevokeCredential(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.RecordCredentialUse(ctx, "missing", "203.0.113.5", time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_ReturnsIndependentCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCredential(ctx, &Credential{ID: "c1", Tenant: "acme", Hash: "h1", Status: CredentialActive}))

	got, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	got.Tenant = "mutated"

	got2, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got2.Tenant, "mutating a returned record must not affect the store's copy")
}

func TestMemoryStore_SubmissionNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetSubmission(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.FindSubmissionByFingerprint(ctx, "acme", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.UpdateSubmissionStatus(ctx, "missing", SubmissionFailed, "boom")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_DeliveryAttemptsAccumulateInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateDeliveryAttempt(ctx, &DeliveryAttempt{ID: "a1", CorrelationID: "corr-1", AttemptNumber: 1, Outcome: DeliveryRetryFailed}))
	require.NoError(t, s.CreateDeliveryAttempt(ctx, &DeliveryAttempt{ID: "a2", CorrelationID: "corr-1", AttemptNumber: 2, Outcome: DeliveryDelivered}))

	list, err := s.ListDeliveryAttemptsByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID)
	assert.Equal(t, "a2", list[1].ID)

	empty, err := s.ListDeliveryAttemptsByCorrelationID(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_FindCredentialByPublicPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCredential(ctx, &Credential{ID: "c1", Tenant: "acme", PublicPrefix: "abc123", Hash: "h1", Status: CredentialActive}))

	got, err := s.FindCredentialByPublicPrefix(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	_, err = s.FindCredentialByPublicPrefix(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_ListSubmissions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateSubmission(ctx, &Submission{ID: "s1", Tenant: "acme", CorrelationID: "corr-1", Fingerprint: "fp1", Status: SubmissionAccepted, ReceivedAt: time.Now()}))
	require.NoError(t, s.CreateSubmission(ctx, &Submission{ID: "s2", Tenant: "acme", CorrelationID: "corr-2", Fingerprint: "fp2", Status: SubmissionDelivered, ReceivedAt: time.Now().Add(time.Second)}))
	require.NoError(t, s.CreateSubmission(ctx, &Submission{ID: "s3", Tenant: "other", CorrelationID: "corr-3", Fingerprint: "fp3", Status: SubmissionAccepted, ReceivedAt: time.Now()}))

	list, err := s.ListSubmissions(ctx, SubmissionFilter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID, "most recently received first")

	filtered, err := s.ListSubmissions(ctx, SubmissionFilter{Tenant: "acme", Status: SubmissionDelivered})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "s2", filtered[0].ID)
}

func TestMemoryStore_UpdateAndSoftDeleteSubmission(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateSubmission(ctx, &Submission{ID: "s1", Tenant: "acme", CorrelationID: "corr-1", Fingerprint: "fp1", Status: SubmissionAccepted}))

	require.NoError(t, s.UpdateSubmissionFields(ctx, "acme", "s1", []byte(`{"payload":{"name":"jane"}}`)))
	got, err := s.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":{"name":"jane"}}`, string(got.Payload))

	err = s.UpdateSubmissionFields(ctx, "other-tenant", "s1", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrNotFound), "cross-tenant update must be rejected")

	require.NoError(t, s.SoftDeleteSubmission(ctx, "acme", "s1"))
	_, err = s.GetSubmission(ctx, "s1")
	assert.True(t, errors.Is(err, ErrNotFound), "soft-deleted submissions are excluded from lookups")

	err = s.SoftDeleteSubmission(ctx, "acme", "s1")
	assert.True(t, errors.Is(err, ErrNotFound), "double delete is rejected")
}

func TestMemoryStore_PendingUploadsExcludesStoredAndDownload(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCapability(ctx, &Capability{ID: "cap-1", Kind: CapabilityUpload, Status: CapabilityPending}))
	require.NoError(t, s.CreateCapability(ctx, &Capability{ID: "cap-2", Kind: CapabilityUpload, Status: CapabilityStored}))
	require.NoError(t, s.CreateCapability(ctx, &Capability{ID: "cap-3", Kind: CapabilityDownload, Status: CapabilityPending}))

	pending, err := s.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cap-1", pending[0].ID)
}
