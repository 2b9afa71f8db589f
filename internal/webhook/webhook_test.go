// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/apierr"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
)

const testSecret = "top-secret"

func testMessage(t *testing.T, tenant string) queue.Message {
	t.Helper()
	payload := Event{Event: "demographics.accepted", CorrelationID: "corr-1", Tenant: tenant, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{"ok":true}`)}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Message{Topic: queue.TopicWebhooksFIFO, SessionID: tenant, Body: body}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign(testSecret, body)
	assert.True(t, Verify(testSecret, body, sig))
	assert.False(t, Verify(testSecret, body, "deadbeef"))
	assert.False(t, Verify("wrong-secret", body, sig))
}

func TestDispatcher_DeliversAndSignsRequest(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := store.NewMemoryStore()
	d := NewDispatcher(server.Client(), func(string) string { return testSecret }, func(string) string { return server.URL }, deliveries, nil)

	msg := testMessage(t, "acme")
	require.NoError(t, d.Deliver(t.Context(), msg, 0))
	assert.Equal(t, Sign(testSecret, msg.Body), gotSignature)

	var expected Event
	require.NoError(t, json.Unmarshal(msg.Body, &expected))
	expected.Signature = Sign(testSecret, msg.Body)
	expectedBody, err := json.Marshal(expected)
	require.NoError(t, err)
	assert.Equal(t, expectedBody, gotBody)

	attempts, err := deliveries.ListDeliveryAttemptsByCorrelationID(t.Context(), "corr-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, store.DeliveryDelivered, attempts[0].Outcome)
}

func TestDispatcher_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	deliveries := store.NewMemoryStore()
	d := NewDispatcher(server.Client(), func(string) string { return testSecret }, func(string) string { return server.URL }, deliveries, nil)

	err := d.Deliver(t.Context(), testMessage(t, "acme"), 0)
	require.Error(t, err)
	assert.True(t, apierr.IsRetryable(err))
}

func TestDispatcher_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	deliveries := store.NewMemoryStore()
	d := NewDispatcher(server.Client(), func(string) string { return testSecret }, func(string) string { return server.URL }, deliveries, nil)

	err := d.Deliver(t.Context(), testMessage(t, "acme"), 0)
	require.Error(t, err)
	assert.True(t, apierr.IsPermanent(err))
}

func TestDispatcher_TooManyRequestsIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	deliveries := store.NewMemoryStore()
	d := NewDispatcher(server.Client(), func(string) string { return testSecret }, func(string) string { return server.URL }, deliveries, nil)

	err := d.Deliver(t.Context(), testMessage(t, "acme"), 0)
	require.Error(t, err)
	assert.True(t, apierr.IsRetryable(err))
}

func TestDispatcher_NoEndpointConfiguredIsPermanent(t *testing.T) {
	deliveries := store.NewMemoryStore()
	d := NewDispatcher(http.DefaultClient, func(string) string { return testSecret }, func(string) string { return "" }, deliveries, nil)

	err := d.Deliver(t.Context(), testMessage(t, "acme"), 0)
	require.Error(t, err)
	assert.True(t, apierr.IsPermanent(err))
}
