// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/store"
)

func TestIssueUpload_ValidateUploaded(t *testing.T) {
	s := store.NewMemoryStore()
	os := NewMemoryObjectStore("https://blobs.test.local")
	issuer := New(s, os, 0)
	ctx := context.Background()

	cap, url, err := issuer.IssueUpload(ctx, "acme", "corr-1", "../../etc/passwd", "application/octet-stream", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Contains(t, cap.BlobPath, "acme/")
	assert.Contains(t, cap.BlobPath, "corr-1_passwd")
	assert.EqualValues(t, DefaultMaxUploadSizeMB*1024*1024, cap.MaxSizeBytes)

	ok, err := issuer.ValidateUploaded(ctx, cap.ID)
	require.NoError(t, err)
	assert.False(t, ok, "blob not yet uploaded")

	os.PutForTest(cap.BlobPath, 1024)
	ok, err = issuer.ValidateUploaded(ctx, cap.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := issuer.GetStatus(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CapabilityStored, status.Status)
	assert.EqualValues(t, 1024, status.SizeBytes)
}

func TestIssueUpload_DefaultTTLIs24Hours(t *testing.T) {
	s := store.NewMemoryStore()
	os := NewMemoryObjectStore("https://blobs.test.local")
	issuer := New(s, os, 0)
	ctx := context.Background()

	before := time.Now().UTC()
	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(DefaultTTL), cap.ExpiresAt, time.Second)
}

func TestValidateUploaded_RejectsOversizedBlob(t *testing.T) {
	s := store.NewMemoryStore()
	os := NewMemoryObjectStore("https://blobs.test.local")
	issuer := New(s, os, time.Hour)
	ctx := context.Background()

	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 1)
	require.NoError(t, err)
	os.PutForTest(cap.BlobPath, 2*1024*1024)

	ok, err := issuer.ValidateUploaded(ctx, cap.ID)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrUploadTooLarge))
}

func TestBlobPath_ShapeIsTenantDateCorrelationFilename(t *testing.T) {
	at := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	got := BlobPath("Acme Corp!", "corr-1", "Report Final.PDF", at)
	assert.Equal(t, "acme_corp/2026-03-05/corr-1_report_final.pdf", got)
}

func TestNormalizeTenant(t *testing.T) {
	assert.Equal(t, "acme_corp", NormalizeTenant("Acme Corp!"))
	assert.Equal(t, "tenant", NormalizeTenant("!!!"))
	assert.Equal(t, "tenant", NormalizeTenant(""))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "document", SanitizeFilename(""))
	assert.Equal(t, "document", SanitizeFilename(".."))
	assert.Equal(t, "b.pdf", SanitizeFilename("a/b.pdf"))
	assert.Equal(t, "a_b.pdf", SanitizeFilename("a b.pdf"))
	assert.Equal(t, "report.pdf", SanitizeFilename("../../report.pdf"))
	assert.Equal(t, "report.pdf", SanitizeFilename("REPORT.PDF"))
}
