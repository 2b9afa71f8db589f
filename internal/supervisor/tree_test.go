// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTree_RunsAllLayersUntilCanceled(t *testing.T) {
	tree := New("test-tree", discardLogger(), DefaultTreeConfig())

	ingest := newFakeRunnable()
	reactor := newFakeRunnable()
	tree.AddIngestService(NewRunnableService("ingest", ingest))
	tree.AddReactorService(NewRunnableService("reactor", reactor))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, ingest.started.Load, time.Second, time.Millisecond)
	require.Eventually(t, reactor.started.Load, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after context cancellation")
	}
}

func TestTree_UnstoppedServiceReportEmptyWhenClean(t *testing.T) {
	tree := New("test-tree", discardLogger(), DefaultTreeConfig())
	tree.AddIngestService(NewRunnableService("ingest", newFakeRunnable()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	require.Eventually(t, func() bool { return true }, time.Millisecond, time.Millisecond)

	cancel()
	<-errCh

	unstopped, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, unstopped)
}
