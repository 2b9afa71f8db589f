// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/capability"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
)

func TestReactor_AnnouncesCompletedUpload(t *testing.T) {
	s := store.NewMemoryStore()
	os := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, os, time.Hour)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 0)
	require.NoError(t, err)
	os.PutForTest(cap.BlobPath, 4096)

	r := New(issuer, s, q, time.Millisecond)
	r.sweep(ctx)

	status, err := issuer.GetStatus(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CapabilityStored, status.Status)

	stats, err := q.Stats(ctx, queue.TopicDocuments)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active)
}

func TestReactor_SkipsUploadNotYetStored(t *testing.T) {
	s := store.NewMemoryStore()
	os := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, os, time.Hour)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	_, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 0)
	require.NoError(t, err)

	r := New(issuer, s, q, time.Millisecond)
	r.sweep(ctx)

	stats, err := q.Stats(ctx, queue.TopicDocuments)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Active, "no announcement until the blob lands")
}

func TestReactor_ExpiresPastDeadlineCapabilities(t *testing.T) {
	s := store.NewMemoryStore()
	os := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, os, -time.Minute)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 0)
	require.NoError(t, err)

	r := New(issuer, s, q, time.Millisecond)
	r.sweep(ctx)

	status, err := issuer.GetStatus(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CapabilityExpired, status.Status)
}

func TestReactor_DedupsAnnouncementAcrossSweeps(t *testing.T) {
	s := store.NewMemoryStore()
	os := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, os, time.Hour)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 0)
	require.NoError(t, err)
	os.PutForTest(cap.BlobPath, 1024)

	r := New(issuer, s, q, time.Millisecond)
	r.sweep(ctx)
	r.sweep(ctx)

	stats, err := q.Stats(ctx, queue.TopicDocuments)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active, "the capability is stored, not pending, after the first sweep")
}

func TestReactor_AnnouncesValidationFailureForOversizedUpload(t *testing.T) {
	s := store.NewMemoryStore()
	os := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, os, time.Hour)
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	cap, _, err := issuer.IssueUpload(ctx, "acme", "corr-1", "report.pdf", "application/pdf", 1)
	require.NoError(t, err)
	os.PutForTest(cap.BlobPath, 2*1024*1024)

	r := New(issuer, s, q, time.Millisecond)
	r.sweep(ctx)

	status, err := issuer.GetStatus(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CapabilityExpired, status.Status)

	stats, err := q.Stats(ctx, queue.TopicDocuments)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active)
}
