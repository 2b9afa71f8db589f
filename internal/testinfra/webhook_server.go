// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build integration

package testinfra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// WebhookCapture is one request received by a MockWebhookServer.
type WebhookCapture struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// MockWebhookServer is a webhook delivery target for integration tests: it
// captures every request it receives so a test can assert on the signature
// header and body the dispatcher actually sent.
type MockWebhookServer struct {
	Server   *httptest.Server
	Captures []WebhookCapture
	mu       sync.Mutex

	// ResponseStatus is the HTTP status code to return (default: 200).
	ResponseStatus int

	// ResponseFunc, if set, overrides the default status-only response.
	ResponseFunc func(w http.ResponseWriter, r *http.Request)
}

// NewMockWebhookServer starts a mock webhook endpoint.
func NewMockWebhookServer(t *testing.T) *MockWebhookServer {
	t.Helper()

	mws := &MockWebhookServer{ResponseStatus: http.StatusOK}

	mws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()

		mws.mu.Lock()
		mws.Captures = append(mws.Captures, WebhookCapture{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		mws.mu.Unlock()

		if mws.ResponseFunc != nil {
			mws.ResponseFunc(w, r)
			return
		}
		w.WriteHeader(mws.ResponseStatus)
	}))

	return mws
}

// URL returns the server's base URL.
func (m *MockWebhookServer) URL() string {
	return m.Server.URL
}

// Close shuts down the server.
func (m *MockWebhookServer) Close() {
	m.Server.Close()
}

// GetCaptures returns a snapshot of all captured requests.
func (m *MockWebhookServer) GetCaptures() []WebhookCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]WebhookCapture, len(m.Captures))
	copy(result, m.Captures)
	return result
}

// WaitForCaptures blocks until at least n requests have been captured or
// the timeout elapses, returning whether the count was reached.
func (m *MockWebhookServer) WaitForCaptures(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		count := len(m.Captures)
		m.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
