// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build integration

package webhook_test

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
	"github.com/claimsplatform/intake/internal/testinfra"
	"github.com/claimsplatform/intake/internal/webhook"
)

func TestDispatcher_DeliversToMockWebhookServer(t *testing.T) {
	target := testinfra.NewMockWebhookServer(t)
	defer target.Close()

	deliveries := store.NewMemoryStore()
	q := queue.NewMemory()
	defer q.Close()
	secret := "integration-secret"
	d := webhook.NewDispatcher(target.Server.Client(), func(string) string { return secret }, func(string) string { return target.URL() }, deliveries, q)

	event, err := webhook.NewEvent("demographics.processed", "acme", "corr-it-1", map[string]string{"submission_id": "sub-1"})
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)
	msg := queue.Message{Topic: queue.TopicWebhooksFIFO, SessionID: "acme", Body: body}

	require.NoError(t, d.HandleMessage(t.Context(), msg))
	require.True(t, target.WaitForCaptures(1, time.Second))

	captures := target.GetCaptures()
	require.Len(t, captures, 1)
	var received webhook.Event
	require.NoError(t, json.Unmarshal(captures[0].Body, &received))
	assert.Equal(t, "demographics.processed", received.Event)
	assert.NotEmpty(t, received.Signature)

	unsigned := received
	unsigned.Signature = ""
	unsignedBody, err := json.Marshal(unsigned)
	require.NoError(t, err)
	assert.Equal(t, captures[0].Headers.Get(webhook.SignatureHeader), webhook.Sign(secret, unsignedBody))
	assert.Equal(t, received.Signature, webhook.Sign(secret, unsignedBody))
}
