// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package webhook implements the outbound delivery dispatcher:
// HMAC-SHA256 signed POSTs to a tenant's configured endpoint, with
// capped exponential backoff. Permanent failures are dead-lettered; an
// event that exhausts its retry ceiling is recorded as failed_permanently
// and completed. Retries follow the "schedule successor then complete" pattern so a
// crash between a delivery attempt and its bookkeeping write never
// drops or duplicates the retry schedule.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/claimsplatform/intake/internal/apierr"
	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/metrics"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
)

// Event is the wire shape of a dispatched webhook event. Signature is
// populated just before dispatch: it is the HMAC-SHA256 of the event
// body with Signature itself blank, so a receiver recomputes it the same
// way. The same signature is also carried in the X-Webhook-Signature
// header for receivers that prefer not to parse the body first.
type Event struct {
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlation_id"`
	Tenant        string          `json:"tenant"`
	Timestamp     time.Time       `json:"timestamp"`
	Signature     string          `json:"signature,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent builds an Event, marshaling data as its Data field.
func NewEvent(eventType, tenant, correlationID string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode webhook event data: %w", err)
	}
	return Event{
		Event:         eventType,
		Tenant:        tenant,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          raw,
	}, nil
}

// SignatureHeader carries the same hex-encoded HMAC-SHA256 signature as
// Event.Signature, keyed by the tenant's shared webhook secret.
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the signature for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// retryCountAttr is the message attribute carrying how many delivery
// attempts a webhook event has already had, threaded through each
// scheduled successor.
const retryCountAttr = "retry_count"

func attrInt(attrs map[string]string, key string) int {
	n, _ := strconv.Atoi(attrs[key])
	return n
}

// Dispatcher delivers webhook events. Rather than relying on the
// generic worker pool's abandon/redeliver loop, HandleMessage schedules
// its own successor message carrying an incremented retry count and
// completes the current one, so retry bookkeeping lives entirely in the
// event's own attributes.
type Dispatcher struct {
	httpClient   *http.Client
	secret       func(tenant string) string
	endpoint     func(tenant string) string
	deliveries   store.DeliveryAttemptStore
	sessionQueue queue.DurableSessionQueue
	breaker      *gobreaker.CircuitBreaker[interface{}]
}

// NewDispatcher builds a Dispatcher. secretFn and endpointFn resolve a
// tenant's webhook secret and destination URL respectively (the
// configuration layer supplies per-tenant overrides). q is used to
// schedule retry successors on TopicWebhooksFIFO.
func NewDispatcher(httpClient *http.Client, secretFn, endpointFn func(tenant string) string, deliveries store.DeliveryAttemptStore, q queue.DurableSessionQueue) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	st := gobreaker.Settings{
		Name:    "webhook-dispatch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Dispatcher{
		httpClient:   httpClient,
		secret:       secretFn,
		endpoint:     endpointFn,
		deliveries:   deliveries,
		sessionQueue: q,
		breaker:      gobreaker.NewCircuitBreaker[interface{}](st),
	}
}

// HandleMessage is the worker.Pool handler for TopicWebhooksFIFO. A
// transient delivery failure is never redelivered by the generic
// broker retry path: instead a successor message carrying the
// incremented retry count is scheduled with a backoff delay, and the
// current message is completed (returning nil), so the broker's own
// delivery-count bookkeeping plays no part in the webhook retry
// schedule. A permanent failure is returned so the caller dead-letters
// it; a transient failure that has exhausted the retry ceiling is
// recorded and completed rather than dead-lettered further.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg queue.Message) error {
	retryCount := attrInt(msg.Attributes, retryCountAttr)

	err := d.Deliver(ctx, msg, retryCount)
	if err == nil {
		return nil
	}
	if apierr.IsPermanent(err) {
		return err
	}

	maxRetries := queue.MaxDeliveryCountFor(queue.TopicWebhooksFIFO)
	if retryCount+1 >= maxRetries {
		d.recordExhausted(ctx, msg, err)
		return nil
	}

	if scheduleErr := d.scheduleRetry(ctx, msg, retryCount+1); scheduleErr != nil {
		logging.Error().Err(scheduleErr).Str("message_id", msg.ID).Msg("failed to schedule webhook retry")
		return apierr.NewRetryableError("failed to schedule webhook retry", scheduleErr)
	}
	return nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, msg queue.Message, nextRetryCount int) error {
	delay := queue.NextBackoff(nextRetryCount)
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs[retryCountAttr] = strconv.Itoa(nextRetryCount)
	return d.sessionQueue.Send(ctx, queue.TopicWebhooksFIFO, msg.SessionID, msg.Body, attrs, queue.SendOptions{NotBefore: time.Now().Add(delay)})
}

func (d *Dispatcher) recordExhausted(ctx context.Context, msg queue.Message, cause error) {
	var evt Event
	_ = json.Unmarshal(msg.Body, &evt)
	attempt := &store.DeliveryAttempt{
		Tenant:        evt.Tenant,
		CorrelationID: evt.CorrelationID,
		EventType:     evt.Event,
		AttemptNumber: queue.MaxDeliveryCountFor(queue.TopicWebhooksFIFO),
		Outcome:       store.DeliveryFailedPermanently,
		Error:         cause.Error(),
		AttemptedAt:   time.Now().UTC(),
	}
	d.recordAttempt(ctx, attempt)
	metrics.RecordWebhookDelivery(evt.Event, "failed_permanently", 0)
	logging.Error().Str("correlation_id", evt.CorrelationID).Str("event", evt.Event).Msg("webhook delivery exhausted retries")
}

// Deliver attempts a single delivery of msg, which is expected to carry
// a JSON-encoded Event as its body. attemptNumber is the number of
// prior attempts (0 on the first try).
func (d *Dispatcher) Deliver(ctx context.Context, msg queue.Message, attemptNumber int) error {
	var evt Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return apierr.NewPermanentError("decode webhook event", err)
	}

	url := d.endpoint(evt.Tenant)
	if url == "" {
		return apierr.NewPermanentError(fmt.Sprintf("no webhook endpoint configured for tenant %s", evt.Tenant), nil)
	}
	secret := d.secret(evt.Tenant)

	evt.Signature = ""
	unsigned, err := json.Marshal(evt)
	if err != nil {
		return apierr.NewPermanentError("encode webhook event", err)
	}
	evt.Signature = Sign(secret, unsigned)
	signedBody, err := json.Marshal(evt)
	if err != nil {
		return apierr.NewPermanentError("encode webhook event", err)
	}
	headerSig := evt.Signature

	start := time.Now()
	statusCode, err := d.send(ctx, url, signedBody, headerSig, evt.CorrelationID, attemptNumber+1)
	duration := time.Since(start)

	attempt := &store.DeliveryAttempt{
		Tenant:        evt.Tenant,
		CorrelationID: evt.CorrelationID,
		EventType:     evt.Event,
		AttemptNumber: attemptNumber + 1,
		StatusCode:    statusCode,
		AttemptedAt:   start,
	}

	if err != nil {
		attempt.Outcome = store.DeliveryRetryFailed
		attempt.Error = err.Error()
		d.recordAttempt(ctx, attempt)
		metrics.RecordWebhookDelivery(evt.Event, "retry_failed", duration)
		return apierr.NewRetryableError("webhook delivery failed", err)
	}
	if statusCode < 200 || statusCode >= 300 {
		attempt.Error = fmt.Sprintf("non-2xx status: %d", statusCode)
		if statusCode >= 400 && statusCode < 500 && statusCode != 429 {
			attempt.Outcome = store.DeliveryFailedPermanently
			d.recordAttempt(ctx, attempt)
			metrics.RecordWebhookDelivery(evt.Event, "failed_permanently", duration)
			return apierr.NewPermanentError(attempt.Error, nil)
		}
		attempt.Outcome = store.DeliveryRetryFailed
		d.recordAttempt(ctx, attempt)
		metrics.RecordWebhookDelivery(evt.Event, "retry_failed", duration)
		return apierr.NewRetryableError("webhook endpoint returned an error status", fmt.Errorf("status %d", statusCode))
	}

	attempt.Outcome = store.DeliveryDelivered
	d.recordAttempt(ctx, attempt)
	metrics.RecordWebhookDelivery(evt.Event, "delivered", duration)
	return nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, a *store.DeliveryAttempt) {
	if d.deliveries == nil {
		return
	}
	if err := d.deliveries.CreateDeliveryAttempt(ctx, a); err != nil {
		logging.Warn().Err(err).Str("correlation_id", a.CorrelationID).Msg("failed to record webhook delivery attempt")
	}
}

func (d *Dispatcher) send(ctx context.Context, url string, body []byte, signature, correlationID string, attempt int) (int, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature)
		req.Header.Set("X-Correlation-ID", correlationID)
		req.Header.Set("X-Retry-Attempt", strconv.Itoa(attempt))
		req.Header.Set("User-Agent", "claims-intake-webhook-dispatcher/1.0")

		resp, doErr := d.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}
