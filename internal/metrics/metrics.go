// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides Prometheus instrumentation for the ingestion and
// dispatch pipeline: API request latency, rate-limiter refusals, queue
// depth/dead-letter gauges, webhook delivery outcomes, and circuit breaker
// state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests.",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "api_active_requests",
		Help: "Current number of in-flight API requests.",
	})

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total number of requests refused by the rate limiter, by window type.",
		},
		[]string{"window"},
	)

	RateLimitDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rate_limit_degraded",
		Help: "1 when the rate limiter is in fail-open degraded mode, 0 otherwise.",
	})

	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_lookups_total",
			Help: "Idempotency cache lookups by outcome.",
		},
		[]string{"outcome"}, // hit | miss | conflict
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Active message count per topic.",
		},
		[]string{"topic"},
	)

	QueueDeadLetterDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dead_letter_depth",
			Help: "Dead-lettered message count per topic.",
		},
		[]string{"topic"},
	)

	QueueScheduledDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_scheduled_depth",
			Help: "Scheduled (not-yet-visible) message count per topic.",
		},
		[]string{"topic"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Total number of messages published, by topic.",
		},
		[]string{"topic"},
	)

	MessagesDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_deduplicated_total",
			Help: "Total number of messages suppressed as duplicates within the FIFO dedup window.",
		},
		[]string{"topic"},
	)

	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dead_lettered_total",
			Help: "Total number of messages moved to the dead-letter topic, by original topic and reason.",
		},
		[]string{"topic", "reason"},
	)

	WorkerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_message_processing_duration_seconds",
			Help:    "Duration of per-message worker handling.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	WebhookDeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Total webhook delivery attempts by outcome.",
		},
		[]string{"event", "status"}, // status: delivered | retry_failed | failed_permanently
	)

	WebhookDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook HTTP calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	CapabilityURLsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_urls_issued_total",
			Help: "Total capability URLs issued, by kind.",
		},
		[]string{"kind"}, // upload | download
	)
)

// RecordAPIRequest records a completed API request.
func RecordAPIRequest(method, route, statusCode string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordWebhookDelivery records the outcome of a single dispatch attempt.
func RecordWebhookDelivery(event, status string, d time.Duration) {
	WebhookDeliveryAttempts.WithLabelValues(event, status).Inc()
	WebhookDeliveryDuration.WithLabelValues(event).Observe(d.Seconds())
}

// UpdateQueueGauges refreshes the three queue-depth gauge families for a topic.
func UpdateQueueGauges(topic string, active, deadLetter, scheduled int64) {
	QueueDepth.WithLabelValues(topic).Set(float64(active))
	QueueDeadLetterDepth.WithLabelValues(topic).Set(float64(deadLetter))
	QueueScheduledDepth.WithLabelValues(topic).Set(float64(scheduled))
}

// TrackActiveRequest increments or decrements the in-flight API request
// gauge; call with true on entry and false (typically via defer) on exit.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}
