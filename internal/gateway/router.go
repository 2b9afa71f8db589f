// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimsplatform/intake/internal/authz"
	"github.com/claimsplatform/intake/internal/middleware"
	"github.com/claimsplatform/intake/internal/ratelimit"
)

// chiAdapt bridges this repository's func(http.HandlerFunc) http.HandlerFunc
// middleware convention to chi's func(http.Handler) http.Handler.
func chiAdapt(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// NewRouter assembles the full HTTP surface: public routes
// require an authenticated, rate-limited credential; health and queue
// telemetry are open for operator tooling.
func NewRouter(g *Gateway, rl *ratelimit.Limiter, az *authz.Enforcer) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chiAdapt(middleware.CorrelationID))
	r.Use(chiAdapt(middleware.PrometheusMetrics))
	r.Use(chiAdapt(middleware.Compression))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "Retry-After"},
		MaxAge:           300,
		AllowCredentials: false,
	}))
	r.Use(chimiddleware.Timeout(30 * time.Second))
	// Coarse perimeter defense: caps total requests per source IP across
	// every route, authenticated or not, before any credential is even
	// looked up.
	r.Use(httprate.LimitByIP(600, time.Minute))

	r.Handle("/metrics", promhttp.Handler())

	bootstrapLimiter := NewIPLimiter(0.1, 3)
	go bootstrapLimiter.StartCleanup(5 * time.Minute)

	authenticated := chiAdapt(Authenticate(g.Credentials, func(r *http.Request) []string {
		switch {
		case isAdminRoute(r):
			return []string{"admin:credentials"}
		case isDocumentsRoute(r):
			return []string{"submit:documents"}
		default:
			return []string{"submit:demographics"}
		}
	}))
	authorized := chiAdapt(Authorize(az))
	rateLimited := chiAdapt(RateLimit(rl, DefaultLimits))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/health", g.Healthz)
		v1.Get("/queues", g.Queues)
		v1.With(chiAdapt(LimitBootstrap(bootstrapLimiter))).Post("/admin/bootstrap", g.AdminBootstrap)

		v1.Group(func(authed chi.Router) {
			authed.Use(authenticated, authorized, rateLimited)

			authed.Get("/demographics", g.ListDemographics)
			authed.Post("/demographics", g.SubmitDemographics)
			authed.Post("/demographics/batch", g.SubmitDemographicsBatch)
			authed.Get("/demographics/{id}", g.GetSubmissionStatus)
			authed.Put("/demographics/{id}", g.UpdateDemographics)
			authed.Delete("/demographics/{id}", g.DeleteDemographics)

			authed.Post("/documents/upload-url", g.IssueUploadURL)
			authed.Post("/documents/batch-upload-urls", g.IssueBatchUploadURLs)
			authed.Get("/documents/{correlationId}/status", g.GetDocumentStatus)

			authed.Post("/admin/api-keys", g.CreateAPIKey)
			authed.Delete("/admin/api-keys/{id}", g.RevokeAPIKey)
		})
	})

	return r
}

func isDocumentsRoute(r *http.Request) bool {
	return hasPrefix(r.URL.Path, "/v1/documents")
}

func isAdminRoute(r *http.Request) bool {
	return hasPrefix(r.URL.Path, "/v1/admin")
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
