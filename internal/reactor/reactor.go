// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reactor implements the blob-event reactor: a poller
// that watches pending upload capabilities and, once the object store
// confirms a blob has landed (or rejects it as oversized), enqueues a
// document event for the documents worker pool to relay as a webhook.
package reactor

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/claimsplatform/intake/internal/capability"
	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/queue"
	"github.com/claimsplatform/intake/internal/store"
)

// DefaultPollInterval is how often the reactor sweeps pending
// capabilities for a completed upload.
const DefaultPollInterval = 5 * time.Second

// PendingLister abstracts the capability records the reactor needs to
// sweep: every upload capability still in status=pending, including ones
// past their deadline, which the sweep marks expired.
type PendingLister interface {
	ListPendingUploads(ctx context.Context) ([]*store.Capability, error)
}

// Reactor polls for completed uploads and dispatches the resulting
// document event.
type Reactor struct {
	issuer   *capability.Issuer
	pending  PendingLister
	q        queue.DurableSessionQueue
	interval time.Duration
}

// New builds a Reactor. If interval is zero, DefaultPollInterval is used.
func New(issuer *capability.Issuer, pending PendingLister, q queue.DurableSessionQueue, interval time.Duration) *Reactor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reactor{issuer: issuer, pending: pending, q: q, interval: interval}
}

// Run sweeps on Reactor's interval until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reactor) sweep(ctx context.Context) {
	pending, err := r.pending.ListPendingUploads(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("reactor: failed to list pending uploads")
		return
	}
	now := time.Now().UTC()
	for _, cap := range pending {
		if now.After(cap.ExpiresAt) {
			if err := r.issuer.ExpireIfPast(ctx, cap.ID, now); err != nil {
				logging.Warn().Err(err).Str("capability_id", cap.ID).Msg("reactor: failed to expire capability")
			}
			continue
		}

		stored, err := r.issuer.ValidateUploaded(ctx, cap.ID)
		if err != nil {
			if errors.Is(err, capability.ErrUploadTooLarge) {
				if ferr := r.issuer.MarkValidationFailed(ctx, cap.ID); ferr != nil {
					logging.Warn().Err(ferr).Str("capability_id", cap.ID).Msg("reactor: failed to mark validation failed")
				}
				if aerr := r.announce(ctx, cap, "validation_failed", err.Error()); aerr != nil {
					logging.Warn().Err(aerr).Str("capability_id", cap.ID).Msg("reactor: failed to announce validation failure")
				}
				continue
			}
			logging.Warn().Err(err).Str("capability_id", cap.ID).Msg("reactor: failed to validate upload")
			continue
		}
		if !stored {
			continue
		}

		if err := r.announce(ctx, cap, "uploaded", ""); err != nil {
			logging.Warn().Err(err).Str("capability_id", cap.ID).Msg("reactor: failed to announce document uploaded")
		}
	}
}

type documentEventData struct {
	CapabilityID string `json:"capability_id"`
	Filename     string `json:"filename"`
	SizeBytes    int64  `json:"size_bytes"`
	Tenant       string `json:"tenant"`
	Reason       string `json:"reason,omitempty"`
}

// announce enqueues a document event to TopicDocuments; the documents
// worker pool converts it into a webhook event on TopicWebhooksFIFO.
// outcome is "uploaded" or "validation_failed".
func (r *Reactor) announce(ctx context.Context, cap *store.Capability, outcome, reason string) error {
	data := documentEventData{CapabilityID: cap.ID, Filename: cap.Filename, SizeBytes: cap.SizeBytes, Tenant: cap.Tenant, Reason: reason}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.q.Send(ctx, queue.TopicDocuments, cap.Tenant, body, map[string]string{
		"capability_id":  cap.ID,
		"correlation_id": cap.CorrelationID,
		"outcome":        outcome,
	}, queue.SendOptions{DedupKey: cap.ID + ":" + outcome})
}
