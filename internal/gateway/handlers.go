// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/claimsplatform/intake/internal/capability"
	"github.com/claimsplatform/intake/internal/credstore"
	"github.com/claimsplatform/intake/internal/health"
	"github.com/claimsplatform/intake/internal/idempotency"
	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
	"github.com/claimsplatform/intake/internal/webhook"
)

const maxSubmissionBytes = 1 << 20 // 1 MiB payload ceiling

// idempotencyKeyHeader is the client-supplied header scoping a request's
// idempotency cache entry. Absent this header, the only duplicate guard
// is the payload fingerprint passed to the queue as the message's
// DedupKey; the submission store does no duplicate check.
const idempotencyKeyHeader = "X-Idempotency-Key"

// validate enforces structural constraints (required fields, CIDR
// syntax, string lengths) on decoded request bodies beyond what a bare
// JSON unmarshal checks.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Gateway wires the HTTP surface to every upstream component.
type Gateway struct {
	Credentials *credstore.Resolver
	Idempotency *idempotency.Cache
	Capability  *capability.Issuer
	Queue       queue.DurableSessionQueue
	Submissions store.SubmissionStore
	Health      *health.Checker
	QueueTopics []queue.Topic

	// AdminBootstrapSecret, when non-empty, enables POST /v1/admin/bootstrap:
	// a JWT-gated path for minting the very first admin credential before any
	// API key exists. Leave empty to disable the route entirely.
	AdminBootstrapSecret string
}

// emitWebhookEvent enqueues event on the webhooks topic, logging (but
// not failing the request) on encode or enqueue error: submission
// acceptance must not be gated on the webhook being deliverable.
func (g *Gateway) emitWebhookEvent(ctx context.Context, tenant string, event webhook.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("event", event.Event).Msg("failed to encode webhook event")
		return
	}
	if err := g.Queue.Send(ctx, queue.TopicWebhooksFIFO, tenant, body, nil, queue.SendOptions{}); err != nil {
		logging.Warn().Err(err).Str("event", event.Event).Msg("failed to enqueue webhook event")
	}
}

type demographicsRequest struct {
	Payload map[string]interface{} `json:"payload"`
}

type demographicsResponse struct {
	SubmissionID  string `json:"submission_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Duplicate     bool   `json:"duplicate"`
}

// SubmitDemographics handles POST /v1/demographics.
func (g *Gateway) SubmitDemographics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes+1))
	if err != nil {
		rw.BadRequest("failed to read request body")
		return
	}
	if len(body) > maxSubmissionBytes {
		rw.BadRequest("payload exceeds maximum size")
		return
	}

	var req demographicsRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Payload == nil {
		rw.BadRequest("invalid JSON payload")
		return
	}

	fingerprint, err := idempotency.Fingerprint(req.Payload)
	if err != nil {
		rw.InternalError("failed to compute fingerprint")
		return
	}

	idempotencyKey := r.Header.Get(idempotencyKeyHeader)
	if idempotencyKey != "" {
		outcome, ok, err := g.Idempotency.Lookup(r.Context(), tc.Tenant, idempotencyKey, http.MethodPost, r.URL.Path, fingerprint)
		if err != nil {
			rw.Conflict(err.Error())
			return
		}
		if ok {
			rw.writeJSON(outcome.StatusCode, APIResponse{Success: true, Data: demographicsResponse{
				SubmissionID: outcome.SubmissionID, CorrelationID: outcome.CorrelationID, Status: "accepted", Duplicate: true,
			}})
			return
		}
	}

	correlationID := uuid.New().String()
	submission := &store.Submission{
		ID:            uuid.New().String(),
		Tenant:        tc.Tenant,
		CorrelationID: correlationID,
		Fingerprint:   fingerprint,
		Status:        store.SubmissionAccepted,
		Payload:       body,
	}
	if err := g.Submissions.CreateSubmission(r.Context(), submission); err != nil {
		rw.InternalError("failed to persist submission")
		return
	}

	if err := g.Queue.Send(r.Context(), queue.TopicDemographicsFIFO, tc.Tenant, body, map[string]string{
		"submission_id":  submission.ID,
		"correlation_id": correlationID,
	}, queue.SendOptions{DedupKey: fingerprint}); err != nil {
		logging.Error().Err(err).Str("submission_id", submission.ID).Msg("failed to enqueue submission")
		rw.ServiceUnavailable("failed to enqueue submission")
		return
	}

	resp := demographicsResponse{SubmissionID: submission.ID, CorrelationID: correlationID, Status: "accepted"}
	if idempotencyKey != "" {
		g.Idempotency.Store(r.Context(), tc.Tenant, idempotencyKey, http.MethodPost, r.URL.Path, fingerprint, idempotency.Outcome{
			SubmissionID: submission.ID, CorrelationID: correlationID, StatusCode: http.StatusCreated,
		})
	}

	if event, err := webhook.NewEvent("demographics.created", tc.Tenant, correlationID, map[string]string{"submission_id": submission.ID}); err != nil {
		logging.Warn().Err(err).Msg("failed to encode demographics.created event")
	} else {
		g.emitWebhookEvent(r.Context(), tc.Tenant, event)
	}

	rw.Created(resp)
}

type batchDemographicsRequest struct {
	Submissions        []demographicsRequest `json:"submissions"`
	NotifyOnCompletion bool                   `json:"notify_on_completion"`
}

// SubmitDemographicsBatch handles POST /v1/demographics/batch.
func (g *Gateway) SubmitDemographicsBatch(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())

	var req batchDemographicsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSubmissionBytes*50)).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON payload")
		return
	}

	results := make([]demographicsResponse, 0, len(req.Submissions))
	ids := make([]string, 0, len(req.Submissions))
	for _, item := range req.Submissions {
		fingerprint, err := idempotency.Fingerprint(item.Payload)
		if err != nil {
			rw.BadRequest("invalid payload in batch")
			return
		}
		body, _ := json.Marshal(item)
		correlationID := uuid.New().String()
		submission := &store.Submission{
			ID: uuid.New().String(), Tenant: tc.Tenant, CorrelationID: correlationID,
			Fingerprint: fingerprint, Status: store.SubmissionAccepted, Payload: body,
		}
		if err := g.Submissions.CreateSubmission(r.Context(), submission); err != nil {
			rw.InternalError("failed to persist batch submission")
			return
		}
		if err := g.Queue.Send(r.Context(), queue.TopicDemographicsFIFO, tc.Tenant, body,
			map[string]string{"submission_id": submission.ID, "correlation_id": correlationID},
			queue.SendOptions{DedupKey: fingerprint}); err != nil {
			rw.ServiceUnavailable("failed to enqueue batch submission")
			return
		}
		results = append(results, demographicsResponse{SubmissionID: submission.ID, CorrelationID: correlationID, Status: "accepted"})
		ids = append(ids, submission.ID)
	}

	if req.NotifyOnCompletion {
		if event, err := webhook.NewEvent("demographics.batch_completed", tc.Tenant, "", map[string]interface{}{"submission_ids": ids}); err != nil {
			logging.Warn().Err(err).Msg("failed to encode demographics.batch_completed event")
		} else {
			g.emitWebhookEvent(r.Context(), tc.Tenant, event)
		}
	}

	rw.Accepted(results)
}

// GetSubmissionStatus handles GET /v1/demographics/{id}.
func (g *Gateway) GetSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")
	submission, err := g.Submissions.GetSubmission(r.Context(), id)
	if err != nil {
		rw.NotFound("submission not found")
		return
	}
	if submission.Tenant != tc.Tenant {
		rw.NotFound("submission not found")
		return
	}
	rw.Success(submission)
}

// ListDemographics handles GET /v1/demographics.
func (g *Gateway) ListDemographics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())

	filter := store.SubmissionFilter{
		Tenant: tc.Tenant,
		Status: store.SubmissionStatus(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	submissions, err := g.Submissions.ListSubmissions(r.Context(), filter)
	if err != nil {
		rw.InternalError("failed to list submissions")
		return
	}
	rw.Success(submissions)
}

type updateDemographicsRequest struct {
	Payload map[string]interface{} `json:"payload" validate:"required"`
}

// UpdateDemographics handles PUT /v1/demographics/{id}.
func (g *Gateway) UpdateDemographics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	submission, err := g.Submissions.GetSubmission(r.Context(), id)
	if err != nil || submission.Tenant != tc.Tenant {
		rw.NotFound("submission not found")
		return
	}

	var req updateDemographicsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == nil {
		rw.BadRequest("invalid JSON payload")
		return
	}

	body, err := json.Marshal(demographicsRequest{Payload: req.Payload})
	if err != nil {
		rw.InternalError("failed to encode payload")
		return
	}
	if err := g.Submissions.UpdateSubmissionFields(r.Context(), tc.Tenant, id, body); err != nil {
		rw.NotFound("submission not found")
		return
	}

	if event, err := webhook.NewEvent("demographics.updated", tc.Tenant, submission.CorrelationID, map[string]string{"submission_id": id}); err != nil {
		logging.Warn().Err(err).Msg("failed to encode demographics.updated event")
	} else {
		g.emitWebhookEvent(r.Context(), tc.Tenant, event)
	}

	rw.Success(map[string]string{"submission_id": id, "status": "updated"})
}

// DeleteDemographics handles DELETE /v1/demographics/{id}.
func (g *Gateway) DeleteDemographics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	submission, err := g.Submissions.GetSubmission(r.Context(), id)
	if err != nil || submission.Tenant != tc.Tenant {
		rw.NotFound("submission not found")
		return
	}

	if err := g.Submissions.SoftDeleteSubmission(r.Context(), tc.Tenant, id); err != nil {
		rw.NotFound("submission not found")
		return
	}

	if event, err := webhook.NewEvent("demographics.deleted", tc.Tenant, submission.CorrelationID, map[string]string{"submission_id": id}); err != nil {
		logging.Warn().Err(err).Msg("failed to encode demographics.deleted event")
	} else {
		g.emitWebhookEvent(r.Context(), tc.Tenant, event)
	}

	rw.Success(map[string]string{"status": "deleted"})
}

type uploadURLRequest struct {
	Filename      string  `json:"filename" validate:"required,max=255"`
	CorrelationID string  `json:"correlation_id" validate:"omitempty,uuid"`
	ContentType   string  `json:"content_type" validate:"omitempty,max=255"`
	MaxFileSizeMB float64 `json:"max_file_size_mb" validate:"omitempty,min=0,max=100"`
}

type uploadURLResponse struct {
	CapabilityID string `json:"capability_id"`
	UploadURL    string `json:"upload_url"`
	ExpiresAt    string `json:"expires_at"`
}

// IssueUploadURL handles POST /v1/documents/upload-url.
func (g *Gateway) IssueUploadURL(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	cap, url, err := g.Capability.IssueUpload(r.Context(), tc.Tenant, req.CorrelationID, req.Filename, req.ContentType, req.MaxFileSizeMB)
	if err != nil {
		rw.InternalError("failed to issue upload URL")
		return
	}
	rw.Created(uploadURLResponse{CapabilityID: cap.ID, UploadURL: url, ExpiresAt: cap.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")})
}

type batchUploadURLRequest struct {
	Documents []uploadURLRequest `json:"documents"`
}

// IssueBatchUploadURLs handles POST /v1/documents/batch-upload-urls.
func (g *Gateway) IssueBatchUploadURLs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tc := TenantFromContext(r.Context())

	var req batchUploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON payload")
		return
	}

	results := make([]uploadURLResponse, 0, len(req.Documents))
	for _, doc := range req.Documents {
		if err := validate.Struct(doc); err != nil {
			rw.BadRequest(err.Error())
			return
		}
		if doc.CorrelationID == "" {
			doc.CorrelationID = uuid.New().String()
		}
		cap, url, err := g.Capability.IssueUpload(r.Context(), tc.Tenant, doc.CorrelationID, doc.Filename, doc.ContentType, doc.MaxFileSizeMB)
		if err != nil {
			rw.InternalError("failed to issue upload URL")
			return
		}
		results = append(results, uploadURLResponse{CapabilityID: cap.ID, UploadURL: url, ExpiresAt: cap.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	rw.Created(results)
}

// GetDocumentStatus handles GET /v1/documents/{correlationId}/status.
func (g *Gateway) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	capabilityID := chi.URLParam(r, "correlationId")
	status, err := g.Capability.GetStatus(r.Context(), capabilityID)
	if err != nil {
		rw.NotFound("document not found")
		return
	}
	rw.Success(status)
}

type createAPIKeyRequest struct {
	Tenant       string   `json:"tenant" validate:"required,max=128"`
	Scopes       []string `json:"scopes" validate:"omitempty,dive,required"`
	AllowedCIDRs []string `json:"allowed_cidrs" validate:"omitempty,dive,cidr"`
}

type createAPIKeyResponse struct {
	CredentialID string `json:"credential_id"`
	Token        string `json:"token"`
}

// CreateAPIKey handles POST /v1/admin/api-keys.
func (g *Gateway) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	cred, token, err := g.Credentials.Issue(r.Context(), req.Tenant, req.Scopes, req.AllowedCIDRs, 0)
	if err != nil {
		rw.InternalError("failed to issue credential")
		return
	}
	rw.Created(createAPIKeyResponse{CredentialID: cred.ID, Token: token})
}

// RevokeAPIKey handles DELETE /v1/admin/api-keys/{id}.
func (g *Gateway) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	if err := g.Credentials.Revoke(r.Context(), id); err != nil {
		rw.NotFound("credential not found")
		return
	}
	rw.Success(map[string]string{"status": "revoked"})
}

type adminBootstrapRequest struct {
	Token string `json:"token"`
}

type bootstrapClaims struct {
	Tenant string   `json:"tenant"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// AdminBootstrap handles POST /v1/admin/bootstrap. It accepts a JWT signed
// with the operator-held bootstrap secret and, once verified, mints the
// first admin:credentials credential for the claimed tenant. It is the
// only unauthenticated route that can create a credential; operators
// disable it in steady state by leaving AdminBootstrapSecret unset.
func (g *Gateway) AdminBootstrap(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if g.AdminBootstrapSecret == "" {
		rw.NotFound("bootstrap is disabled")
		return
	}

	var req adminBootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		rw.BadRequest("token is required")
		return
	}

	claims := &bootstrapClaims{}
	parsed, err := jwt.ParseWithClaims(req.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(g.AdminBootstrapSecret), nil
	})
	if err != nil || !parsed.Valid || claims.Tenant == "" {
		rw.Unauthorized("bootstrap token rejected")
		return
	}

	scopes := claims.Scopes
	if len(scopes) == 0 {
		scopes = []string{"admin:credentials"}
	}
	cred, token, err := g.Credentials.Issue(r.Context(), claims.Tenant, scopes, nil, 0)
	if err != nil {
		rw.InternalError("failed to issue bootstrap credential")
		return
	}
	logging.Info().Str("tenant", claims.Tenant).Str("credential_id", cred.ID).Msg("bootstrap credential issued")
	rw.Created(createAPIKeyResponse{CredentialID: cred.ID, Token: token})
}

// Healthz handles GET /v1/health.
func (g *Gateway) Healthz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	report := g.Health.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	rw.writeJSON(status, APIResponse{Success: report.Status != "unhealthy", Data: report})
}

// Queues handles GET /v1/queues.
func (g *Gateway) Queues(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	reports, err := health.QueueReport(r.Context(), g.Queue, g.QueueTopics)
	if err != nil {
		rw.InternalError("failed to gather queue stats")
		return
	}
	rw.Success(reports)
}
