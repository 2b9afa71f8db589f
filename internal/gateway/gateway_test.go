// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/authz"
	"github.com/claimsplatform/intake/internal/capability"
	"github.com/claimsplatform/intake/internal/credstore"
	"github.com/claimsplatform/intake/internal/health"
	"github.com/claimsplatform/intake/internal/idempotency"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/ratelimit"
	"github.com/claimsplatform/intake/internal/store"
)

type testServer struct {
	router http.Handler
	q      *queue.Memory
}

func newTestServer(t *testing.T) (*testServer, string) {
	t.Helper()
	s := store.NewMemoryStore()
	resolver := credstore.New(s, "")
	_, token, err := resolver.Issue(t.Context(), "acme", []string{"submit:demographics", "submit:documents"}, nil, 0)
	require.NoError(t, err)

	q := queue.NewMemory()
	t.Cleanup(func() { q.Close() })

	objectStore := capability.NewMemoryObjectStore("https://blobs.test.local")
	issuer := capability.New(s, objectStore, time.Hour)

	gw := &Gateway{
		Credentials: resolver,
		Idempotency: idempotency.New(idempotency.DefaultWindow),
		Capability:  issuer,
		Queue:       q,
		Submissions: s,
		Health:      health.NewChecker(),
		QueueTopics: []queue.Topic{queue.TopicDemographicsFIFO},
	}

	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	enforcer, err := authz.NewEnforcer()
	require.NoError(t, err)

	return &testServer{router: NewRouter(gw, limiter, enforcer), q: q}, token
}

func TestGateway_SubmitDemographics_AcceptedAndQueued(t *testing.T) {
	srv, token := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"payload": map[string]interface{}{"name": "jane"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/demographics", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	stats, err := srv.q.Stats(t.Context(), queue.TopicDemographicsFIFO)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active)
}

func TestGateway_SubmitDemographics_DuplicateReplaysOutcome(t *testing.T) {
	srv, token := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"payload": map[string]interface{}{"name": "jane"}})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/demographics", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	stats, err := srv.q.Stats(t.Context(), queue.TopicDemographicsFIFO)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active, "a duplicate submission must not be re-enqueued")
}

func TestGateway_MissingCredential_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/demographics", bytes.NewReader([]byte(`{"payload":{}}`)))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_AdminRouteForbiddenForSubmitterRole(t *testing.T) {
	srv, token := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"tenant": "acme2"})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/api-keys", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the credential lacks admin:credentials so it fails scope resolution before reaching the ACL")
}

func TestGateway_IssueUploadURL_ValidatesFilename(t *testing.T) {
	srv, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/upload-url", bytes.NewReader([]byte(`{"filename":""}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_IssueUploadURL_Success(t *testing.T) {
	srv, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/upload-url", bytes.NewReader([]byte(`{"filename":"report.pdf"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestGateway_Health_ReportsHealthyWithNoDependencies(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_AdminBootstrap_DisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap", bytes.NewReader([]byte(`{"token":"x"}`)))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
