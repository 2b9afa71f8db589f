// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway implements the Submission Gateway: the HTTP
// surface for demographics submission, document capability issuance,
// status lookup, and admin credential management.
package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/claimsplatform/intake/internal/middleware"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    APIMeta     `json:"meta"`
}

// APIError describes a failed request.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta carries request-scoped bookkeeping in every response.
type APIMeta struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeTooManyRequests = "too_many_requests"
	ErrCodeInternal        = "internal_error"
	ErrCodeUnavailable     = "service_unavailable"
)

// ResponseWriter writes envelope-wrapped JSON responses, stamping the
// correlation ID from context into the body (meta.request_id, and
// error.request_id on failures); the X-Correlation-ID response header is
// set by middleware.CorrelationID, not here.
type ResponseWriter struct {
	w         http.ResponseWriter
	requestID string
}

// NewResponseWriter builds a ResponseWriter for the current request.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, requestID: middleware.GetRequestID(r.Context())}
}

func (rw *ResponseWriter) writeJSON(status int, body APIResponse) {
	body.Meta = APIMeta{RequestID: rw.requestID, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(status)
	_ = json.NewEncoder(rw.w).Encode(body)
}

// Success writes a 200 response wrapping data.
func (rw *ResponseWriter) Success(data interface{}) {
	rw.writeJSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

// Created writes a 201 response wrapping data.
func (rw *ResponseWriter) Created(data interface{}) {
	rw.writeJSON(http.StatusCreated, APIResponse{Success: true, Data: data})
}

// Accepted writes a 202 response wrapping data.
func (rw *ResponseWriter) Accepted(data interface{}) {
	rw.writeJSON(http.StatusAccepted, APIResponse{Success: true, Data: data})
}

// Error writes an error response with the given status and code.
func (rw *ResponseWriter) Error(status int, code, message string) {
	rw.writeJSON(status, APIResponse{Success: false, Error: &APIError{Code: code, Message: message, RequestID: rw.requestID}})
}

func (rw *ResponseWriter) BadRequest(message string)      { rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message) }
func (rw *ResponseWriter) Unauthorized(message string)    { rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, message) }
func (rw *ResponseWriter) Forbidden(message string)       { rw.Error(http.StatusForbidden, ErrCodeForbidden, message) }
func (rw *ResponseWriter) NotFound(message string)        { rw.Error(http.StatusNotFound, ErrCodeNotFound, message) }
func (rw *ResponseWriter) Conflict(message string)        { rw.Error(http.StatusConflict, ErrCodeConflict, message) }
func (rw *ResponseWriter) TooManyRequests(retryAfter time.Duration) {
	rw.w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
	rw.Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded")
}
func (rw *ResponseWriter) InternalError(message string) { rw.Error(http.StatusInternalServerError, ErrCodeInternal, message) }
func (rw *ResponseWriter) ServiceUnavailable(message string) {
	rw.Error(http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
