// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"time"

	"github.com/goccy/go-json"
)

// envelope is the wire format used for messages published to NATS
// JetStream: NATS carries only opaque bytes and a small set of headers,
// so the structured fields a consumer needs (session, delivery count,
// not-before) travel inside the body.
type envelope struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	Body          []byte            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	NotBefore     time.Time         `json:"not_before,omitempty"`
	DeliveryCount int               `json:"delivery_count"`
}

func encodeEnvelope(msg *Message) ([]byte, error) {
	return json.Marshal(envelope{
		ID:            msg.ID,
		SessionID:     msg.SessionID,
		Body:          msg.Body,
		Attributes:    msg.Attributes,
		EnqueuedAt:    msg.EnqueuedAt,
		NotBefore:     msg.NotBefore,
		DeliveryCount: msg.DeliveryCount,
	})
}

func decodeEnvelope(data []byte) (*Message, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &Message{
		ID:            e.ID,
		SessionID:     e.SessionID,
		Body:          e.Body,
		Attributes:    e.Attributes,
		EnqueuedAt:    e.EnqueuedAt,
		NotBefore:     e.NotBefore,
		DeliveryCount: e.DeliveryCount,
	}, nil
}
