// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testinfra provides container- and server-backed test
// infrastructure for integration tests that want a real dependency instead
// of a mock.
//
// # NATS container
//
// NewNATSContainer starts a real NATS broker with JetStream enabled, for
// exercising queue.NATS against an actual server:
//
//	func TestNATSQueue_PerSessionFIFO(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    broker, err := testinfra.NewNATSContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, broker.Container)
//
//	    q, err := queue.NewNATS(ctx, queue.NATSConfig{URL: broker.URL, StreamPrefix: "test"})
//	    // ...
//	}
//
// # Mock webhook server
//
// MockWebhookServer is an httptest-backed webhook delivery target that
// captures every request, for asserting on what webhook.Dispatcher actually
// sent over the wire.
//
// These tests require Docker for the container-backed helpers; build with
// -tags=integration to include them, and they skip gracefully when Docker
// is unavailable.
package testinfra
