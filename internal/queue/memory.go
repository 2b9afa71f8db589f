// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimsplatform/intake/internal/metrics"
)

// session is one FIFO substream: an ordered slice of pending messages
// plus whatever is currently leased out.
type session struct {
	id            string
	pending       []*Message // ordered, earliest first
	leaseToken    string     // non-empty while a consumer holds the session lock
	leaseExpires  time.Time
	inFlight      map[string]*Message // messageID -> message, while leased out to a consumer via Receive
}

type topicState struct {
	sessions map[string]*session // sessionID -> session; "" used for non-FIFO topics
	order    []string            // session arrival order, for round-robin fairness
}

// Memory is the REQUIRED in-process DurableSessionQueue implementation.
// It enforces per-session FIFO ordering (a session can only be leased to
// one consumer at a time, and messages within a session are delivered in
// enqueue order) and visibility-timeout semantics (a message not
// completed or abandoned before its lease expires becomes eligible for
// redelivery and its delivery count increments), without any external
// dependency — suitable for unit tests and local development.
type Memory struct {
	mu     sync.Mutex
	topics map[Topic]*topicState
	dedup  map[string]time.Time // topic|session|dedupKey -> expiry, for the FIFO dedup window
	clock  func() time.Time
}

// NewMemory builds an empty Memory queue.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[Topic]*topicState),
		dedup:  make(map[string]time.Time),
		clock:  time.Now,
	}
}

func (m *Memory) topic(t Topic) *topicState {
	ts, ok := m.topics[t]
	if !ok {
		ts = &topicState{sessions: make(map[string]*session)}
		m.topics[t] = ts
	}
	return ts
}

func (m *Memory) sessionFor(ts *topicState, sessionID string) *session {
	s, ok := ts.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, inFlight: make(map[string]*Message)}
		ts.sessions[sessionID] = s
		ts.order = append(ts.order, sessionID)
	}
	return s
}

func (m *Memory) Send(ctx context.Context, topicName Topic, sessionID string, body []byte, attrs map[string]string, opts SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if opts.DedupKey != "" {
		dk := string(topicName) + "|" + sessionID + "|" + opts.DedupKey
		if exp, ok := m.dedup[dk]; ok && now.Before(exp) {
			metrics.MessagesDeduplicated.WithLabelValues(string(topicName)).Inc()
			return nil
		}
		m.dedup[dk] = now.Add(10 * time.Minute)
	}

	msg := &Message{
		ID:         uuid.New().String(),
		Topic:      topicName,
		SessionID:  sessionID,
		Body:       append([]byte(nil), body...),
		Attributes: attrs,
		EnqueuedAt: now,
		NotBefore:  opts.NotBefore,
	}
	ts := m.topic(topicName)
	s := m.sessionFor(ts, sessionID)
	s.pending = append(s.pending, msg)
	metrics.MessagesPublished.WithLabelValues(string(topicName)).Inc()
	return nil
}

func (m *Memory) SendBatch(ctx context.Context, topicName Topic, msgs []Message) error {
	for i := range msgs {
		if err := m.Send(ctx, topicName, msgs[i].SessionID, msgs[i].Body, msgs[i].Attributes, SendOptions{NotBefore: msgs[i].NotBefore}); err != nil {
			return err
		}
	}
	return nil
}

// LeaseNextSession scans sessions in arrival order for one with an
// eligible message and no active lock, honoring any existing lock's
// expiry.
func (m *Memory) LeaseNextSession(ctx context.Context, topicName Topic) (*SessionLease, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if lease, ok := m.tryLeaseSession(topicName); ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Memory) tryLeaseSession(topicName Topic) (*SessionLease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	ts := m.topic(topicName)
	for _, sid := range ts.order {
		s := ts.sessions[sid]
		if s.leaseToken != "" && now.Before(s.leaseExpires) {
			continue
		}
		if !hasEligible(s, now) {
			continue
		}
		s.leaseToken = uuid.New().String()
		s.leaseExpires = now.Add(LockDurationFor(topicName))
		return &SessionLease{SessionID: sid, Topic: topicName, Token: s.leaseToken, ExpiresAt: s.leaseExpires}, true
	}
	return nil, false
}

func hasEligible(s *session, now time.Time) bool {
	for _, msg := range s.pending {
		if msg.NotBefore.IsZero() || now.After(msg.NotBefore) || now.Equal(msg.NotBefore) {
			return true
		}
	}
	return false
}

func (m *Memory) Receive(ctx context.Context, lease *SessionLease, max int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topic(lease.Topic)
	s, ok := ts.sessions[lease.SessionID]
	if !ok || s.leaseToken != lease.Token {
		return nil, ErrSessionLockLost
	}

	now := m.clock()
	var out []Message
	var remaining []*Message
	for _, msg := range s.pending {
		if len(out) < max && (msg.NotBefore.IsZero() || !now.Before(msg.NotBefore)) {
			msg.LockToken = uuid.New().String()
			s.inFlight[msg.ID] = msg
			out = append(out, *msg)
		} else {
			remaining = append(remaining, msg)
		}
	}
	s.pending = remaining
	return out, nil
}

func (m *Memory) Complete(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topic(msg.Topic)
	s, ok := ts.sessions[msg.SessionID]
	if !ok {
		return ErrLockLost
	}
	if _, ok := s.inFlight[msg.ID]; !ok {
		return ErrLockLost
	}
	delete(s.inFlight, msg.ID)
	return nil
}

func (m *Memory) Abandon(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topic(msg.Topic)
	s, ok := ts.sessions[msg.SessionID]
	if !ok {
		return ErrLockLost
	}
	inflight, ok := s.inFlight[msg.ID]
	if !ok {
		return ErrLockLost
	}
	delete(s.inFlight, msg.ID)
	inflight.DeliveryCount++
	inflight.NotBefore = m.clock().Add(NextBackoff(inflight.DeliveryCount))
	s.pending = append(s.pending, inflight)
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, msg Message, reason string) error {
	m.mu.Lock()
	ts := m.topic(msg.Topic)
	s, ok := ts.sessions[msg.SessionID]
	if ok {
		delete(s.inFlight, msg.ID)
	}
	m.mu.Unlock()

	metrics.MessagesDeadLettered.WithLabelValues(string(msg.Topic), reason).Inc()
	attrs := map[string]string{"original_topic": string(msg.Topic), "reason": reason}
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	return m.Send(ctx, TopicDeadLetter, msg.SessionID, msg.Body, attrs, SendOptions{})
}

func (m *Memory) RenewLock(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(msg.Topic)
	s, ok := ts.sessions[msg.SessionID]
	if !ok {
		return ErrLockLost
	}
	s.leaseExpires = m.clock().Add(LockDurationFor(msg.Topic))
	return nil
}

func (m *Memory) RenewSessionLock(ctx context.Context, lease *SessionLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(lease.Topic)
	s, ok := ts.sessions[lease.SessionID]
	if !ok || s.leaseToken != lease.Token {
		return ErrSessionLockLost
	}
	s.leaseExpires = m.clock().Add(LockDurationFor(lease.Topic))
	lease.ExpiresAt = s.leaseExpires
	return nil
}

func (m *Memory) ReleaseSession(ctx context.Context, lease *SessionLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(lease.Topic)
	s, ok := ts.sessions[lease.SessionID]
	if !ok || s.leaseToken != lease.Token {
		return nil
	}
	s.leaseToken = ""
	return nil
}

func (m *Memory) Stats(ctx context.Context, topicName Topic) (TopicStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.topic(topicName)
	now := m.clock()
	var active, scheduled int64
	for _, s := range ts.sessions {
		active += int64(len(s.inFlight))
		for _, msg := range s.pending {
			if msg.NotBefore.IsZero() || !now.Before(msg.NotBefore) {
				active++
			} else {
				scheduled++
			}
		}
	}
	return TopicStats{Active: active, Scheduled: scheduled}, nil
}

func (m *Memory) Close() error { return nil }

var _ DurableSessionQueue = (*Memory)(nil)
