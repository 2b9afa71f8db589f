// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/claimsplatform/intake/internal/logging"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// CorrelationID middleware accepts a caller-supplied X-Correlation-ID, or
// generates one, and propagates it through both the response header and
// request context. Every log line emitted while
// handling the request should carry this ID.
func CorrelationID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), RequestIDKey, correlationID)
		ctx = logging.ContextWithRequestID(ctx, correlationID)
		ctx = logging.ContextWithCorrelationID(ctx, correlationID)

		next(w, r.WithContext(ctx))
	}
}

// GetRequestID extracts the correlation ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
