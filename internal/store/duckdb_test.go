// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDuckDB(t *testing.T) *DuckDBStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intake.duckdb")
	s, err := NewDuckDBStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDuckDBStore_CredentialRoundTrip(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := &Credential{
		ID:           "cred-1",
		Tenant:       "acme",
		Hash:         "hash-1",
		Scopes:       []string{"submit:demographics", "submit:documents"},
		AllowedCIDRs: []string{"198.51.100.0/24"},
		Status:       CredentialActive,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		ExpiresAt:    &expires,
	}
	require.NoError(t, s.CreateCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, cred.Tenant, got.Tenant)
	assert.Equal(t, cred.Scopes, got.Scopes)
	assert.Equal(t, cred.AllowedCIDRs, got.AllowedCIDRs)
	require.NotNil(t, got.ExpiresAt)

	byHash, err := s.FindCredentialByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "cred-1", byHash.ID)

	require.NoError(t, s.RecordCredentialUse(ctx, "cred-1", "203.0.113.5", time.Now().UTC()))
	got, err = s.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.UseCount)
	assert.Equal(t, "203.0.113.5", got.LastUsedIP)

	require.NoError(t, s.RevokeCredential(ctx, "cred-1"))
	got, err = s.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, CredentialRevoked, got.Status)

	list, err := s.ListCredentialsByTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDuckDBStore_CredentialNotFound(t *testing.T) {
	s := openTestDuckDB(t)
	_, err := s.GetCredential(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDuckDBStore_SubmissionRoundTrip(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	sub := &Submission{
		ID:            "sub-1",
		Tenant:        "acme",
		CorrelationID: "corr-1",
		Fingerprint:   "fp-1",
		Status:        SubmissionAccepted,
		Payload:       []byte(`{"name":"jane"}`),
	}
	require.NoError(t, s.CreateSubmission(ctx, sub))

	got, err := s.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.Payload, got.Payload)
	assert.Equal(t, SubmissionAccepted, got.Status)
	assert.False(t, got.ReceivedAt.IsZero())

	byFingerprint, err := s.FindSubmissionByFingerprint(ctx, "acme", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", byFingerprint.ID)

	require.NoError(t, s.UpdateSubmissionStatus(ctx, "sub-1", SubmissionDelivered, ""))
	got, err = s.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, SubmissionDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestDuckDBStore_CapabilityLifecycleAndPendingList(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	cap := &Capability{
		ID:            "cap-1",
		Tenant:        "acme",
		Kind:          CapabilityUpload,
		BlobPath:      "acme/corr-1/report.pdf",
		Filename:      "report.pdf",
		CorrelationID: "corr-1",
		Status:        CapabilityPending,
		ExpiresAt:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateCapability(ctx, cap))

	pending, err := s.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cap-1", pending[0].ID)

	require.NoError(t, s.MarkCapabilityStored(ctx, "cap-1", 2048, time.Now().UTC()))
	got, err := s.GetCapability(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, CapabilityStored, got.Status)
	assert.EqualValues(t, 2048, got.SizeBytes)

	pending, err = s.ListPendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a stored capability is no longer pending")

	cap2 := &Capability{
		ID:        "cap-2",
		Tenant:    "acme",
		Kind:      CapabilityUpload,
		BlobPath:  "acme/corr-2/x.pdf",
		Filename:  "x.pdf",
		Status:    CapabilityPending,
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
	}
	require.NoError(t, s.CreateCapability(ctx, cap2))
	require.NoError(t, s.MarkCapabilityExpired(ctx, "cap-2"))
	got2, err := s.GetCapability(ctx, "cap-2")
	require.NoError(t, err)
	assert.Equal(t, CapabilityExpired, got2.Status)
}

func TestDuckDBStore_DeliveryAttemptHistory(t *testing.T) {
	s := openTestDuckDB(t)
	ctx := context.Background()

	first := &DeliveryAttempt{
		ID:            "att-1",
		Tenant:        "acme",
		CorrelationID: "corr-1",
		EventType:     "demographics.accepted",
		AttemptNumber: 1,
		Outcome:       DeliveryRetryFailed,
		StatusCode:    503,
		Error:         "upstream unavailable",
		AttemptedAt:   time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
	}
	next := time.Now().UTC().Truncate(time.Second)
	first.NextAttemptAt = &next
	require.NoError(t, s.CreateDeliveryAttempt(ctx, first))

	second := &DeliveryAttempt{
		ID:            "att-2",
		Tenant:        "acme",
		CorrelationID: "corr-1",
		EventType:     "demographics.accepted",
		AttemptNumber: 2,
		Outcome:       DeliveryDelivered,
		StatusCode:    200,
		AttemptedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateDeliveryAttempt(ctx, second))

	list, err := s.ListDeliveryAttemptsByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "att-1", list[0].ID)
	assert.Equal(t, "att-2", list[1].ID)
	assert.Equal(t, DeliveryDelivered, list[1].Outcome)
}
