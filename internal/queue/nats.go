// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker/v2"

	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/metrics"
)

// NATS is the production DurableSessionQueue implementation, backed by
// NATS JetStream. Each topic is a JetStream stream; session ordering is
// implemented with one subject per (topic, session) and a KV-bucket
// advisory lock so only one consumer instance holds a session at a time.
// Publishing is wrapped in a circuit breaker so a broker outage degrades
// to fast failures instead of hung goroutines.
type NATS struct {
	nc           *nats.Conn
	js           jetstream.JetStream
	streamPrefix string
	locks        jetstream.KeyValue
	breaker      *gobreaker.CircuitBreaker[interface{}]

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer // "topic|session" -> pull consumer
	held      map[string]string             // "topic|session" -> our lock token, for sessions we currently hold
}

// NATSConfig configures the NATS-backed queue.
type NATSConfig struct {
	URL          string
	StreamPrefix string
}

// NewNATS connects to NATS JetStream, provisions the streams named in
// queue.go's Topic constants if they don't already exist, and returns a
// ready-to-use NATS queue.
func NewNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	q := &NATS{
		nc:           nc,
		js:           js,
		streamPrefix: cfg.StreamPrefix,
		consumers:    make(map[string]jetstream.Consumer),
		held:         make(map[string]string),
	}
	q.breaker = newBreaker()

	for _, topic := range []Topic{TopicDemographicsFIFO, TopicWebhooksFIFO, TopicDocuments, TopicDeadLetter} {
		if _, err := q.ensureStream(ctx, topic); err != nil {
			nc.Close()
			return nil, err
		}
	}

	locks, err := js.KeyValue(ctx, cfg.StreamPrefix+"_session_locks")
	if err != nil {
		locks, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: cfg.StreamPrefix + "_session_locks",
			TTL:    demographicsVisibilityTimeout, // longest of the per-topic lock durations
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create session lock bucket: %w", err)
		}
	}
	q.locks = locks

	return q, nil
}

func newBreaker() *gobreaker.CircuitBreaker[interface{}] {
	st := gobreaker.Settings{
		Name:    "queue-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker[interface{}](st)
}

func (q *NATS) streamName(topic Topic) string {
	return fmt.Sprintf("%s_%s", q.streamPrefix, sanitizeStreamComponent(string(topic)))
}

func sanitizeStreamComponent(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '-' {
			out = append(out, '_')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

func (q *NATS) subjectPrefix(topic Topic) string {
	return fmt.Sprintf("%s.%s", q.streamPrefix, sanitizeStreamComponent(string(topic)))
}

func (q *NATS) subject(topic Topic, sessionID string) string {
	if sessionID == "" {
		sessionID = "_"
	}
	return fmt.Sprintf("%s.%s", q.subjectPrefix(topic), sessionID)
}

func (q *NATS) ensureStream(ctx context.Context, topic Topic) (jetstream.Stream, error) {
	name := q.streamName(topic)
	stream, err := q.js.Stream(ctx, name)
	if err == nil {
		return stream, nil
	}
	return q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{q.subjectPrefix(topic) + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
}

func (q *NATS) Send(ctx context.Context, topic Topic, sessionID string, body []byte, attrs map[string]string, opts SendOptions) error {
	msg := &Message{SessionID: sessionID, Body: body, Attributes: attrs, EnqueuedAt: time.Now().UTC(), NotBefore: opts.NotBefore}
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	natsMsg := nats.NewMsg(q.subject(topic, sessionID))
	natsMsg.Data = data
	if opts.DedupKey != "" {
		natsMsg.Header.Set(nats.MsgIdHdr, string(topic)+"|"+sessionID+"|"+opts.DedupKey)
	}

	_, err = q.breaker.Execute(func() (interface{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return q.js.PublishMsg(pubCtx, natsMsg)
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.MessagesPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

func (q *NATS) SendBatch(ctx context.Context, topic Topic, msgs []Message) error {
	for i := range msgs {
		if err := q.Send(ctx, topic, msgs[i].SessionID, msgs[i].Body, msgs[i].Attributes, SendOptions{NotBefore: msgs[i].NotBefore}); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// LeaseNextSession acquires the KV-bucket advisory lock for one session
// subject observed under topic. Candidate sessions are discovered from
// the stream's per-subject state (discoverSessions), polled every 100ms
// until a lock is acquired or ctx ends.
func (q *NATS) LeaseNextSession(ctx context.Context, topic Topic) (*SessionLease, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		sessions, err := q.discoverSessions(ctx, topic)
		if err != nil {
			return nil, err
		}
		for _, sid := range sessions {
			if lease, ok := q.tryLock(ctx, topic, sid); ok {
				return lease, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// discoverSessions lists the distinct session IDs with at least one
// pending message by inspecting stream subject info.
func (q *NATS) discoverSessions(ctx context.Context, topic Topic) ([]string, error) {
	stream, err := q.js.Stream(ctx, q.streamName(topic))
	if err != nil {
		return nil, fmt.Errorf("lookup stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(q.subjectPrefix(topic)+".>"))
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	prefix := q.subjectPrefix(topic) + "."
	var sessions []string
	for subj := range info.State.Subjects {
		if len(subj) > len(prefix) {
			sessions = append(sessions, subj[len(prefix):])
		}
	}
	return sessions, nil
}

func (q *NATS) lockKey(topic Topic, sessionID string) string {
	return fmt.Sprintf("%s.%s", sanitizeStreamComponent(string(topic)), sessionID)
}

func (q *NATS) tryLock(ctx context.Context, topic Topic, sessionID string) (*SessionLease, bool) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	key := q.lockKey(topic, sessionID)
	_, err := q.locks.Create(ctx, key, []byte(token))
	if err != nil {
		return nil, false
	}
	q.mu.Lock()
	q.held[string(topic)+"|"+sessionID] = token
	q.mu.Unlock()
	return &SessionLease{SessionID: sessionID, Topic: topic, Token: token, ExpiresAt: time.Now().Add(LockDurationFor(topic))}, true
}

func (q *NATS) consumerFor(ctx context.Context, lease *SessionLease) (jetstream.Consumer, error) {
	k := string(lease.Topic) + "|" + lease.SessionID
	q.mu.Lock()
	if c, ok := q.consumers[k]; ok {
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()

	stream, err := q.js.Stream(ctx, q.streamName(lease.Topic))
	if err != nil {
		return nil, err
	}
	c, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "sess_" + sanitizeStreamComponent(lease.SessionID),
		FilterSubject: q.subject(lease.Topic, lease.SessionID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       LockDurationFor(lease.Topic),
		MaxDeliver:    MaxDeliveryCountFor(lease.Topic) + 1,
	})
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.consumers[k] = c
	q.mu.Unlock()
	return c, nil
}

func (q *NATS) Receive(ctx context.Context, lease *SessionLease, max int) ([]Message, error) {
	consumer, err := q.consumerFor(ctx, lease)
	if err != nil {
		return nil, err
	}
	batch, err := consumer.Fetch(max, jetstream.FetchMaxWait(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	var out []Message
	for natsMsg := range batch.Messages() {
		m, err := decodeEnvelope(natsMsg.Data())
		if err != nil {
			_ = natsMsg.Term()
			continue
		}
		m.Topic = lease.Topic
		if md, mdErr := natsMsg.Metadata(); mdErr == nil && md.NumDelivered > 0 {
			m.DeliveryCount = int(md.NumDelivered) - 1
		}
		m.Attributes = mergeNatsAck(m.Attributes, natsMsg)
		out = append(out, *m)
	}
	return out, batch.Error()
}

// ackRegistry correlates a Message back to the jetstream.Msg needed to
// Ack/Nak it, keyed by a token we stash in message attributes since the
// DurableSessionQueue interface carries plain Message values.
var ackRegistry sync.Map // lockToken -> jetstream.Msg

func mergeNatsAck(attrs map[string]string, msg jetstream.Msg) map[string]string {
	token := fmt.Sprintf("%p", msg)
	ackRegistry.Store(token, msg)
	out := map[string]string{"_ack_token": token}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func (q *NATS) ackFor(msg Message) (jetstream.Msg, bool) {
	token, ok := msg.Attributes["_ack_token"]
	if !ok {
		return nil, false
	}
	v, ok := ackRegistry.Load(token)
	if !ok {
		return nil, false
	}
	ackRegistry.Delete(token)
	return v.(jetstream.Msg), true
}

func (q *NATS) Complete(ctx context.Context, msg Message) error {
	if natsMsg, ok := q.ackFor(msg); ok {
		return natsMsg.Ack()
	}
	return nil
}

func (q *NATS) Abandon(ctx context.Context, msg Message) error {
	if natsMsg, ok := q.ackFor(msg); ok {
		return natsMsg.Nak()
	}
	return nil
}

func (q *NATS) DeadLetter(ctx context.Context, msg Message, reason string) error {
	if natsMsg, ok := q.ackFor(msg); ok {
		_ = natsMsg.Term()
	}
	metrics.MessagesDeadLettered.WithLabelValues(string(msg.Topic), reason).Inc()
	attrs := map[string]string{"original_topic": string(msg.Topic), "reason": reason}
	for k, v := range msg.Attributes {
		if k != "_ack_token" {
			attrs[k] = v
		}
	}
	return q.Send(ctx, TopicDeadLetter, msg.SessionID, msg.Body, attrs, SendOptions{})
}

func (q *NATS) RenewLock(ctx context.Context, msg Message) error {
	if natsMsg, ok := q.ackFor(msg); ok {
		return natsMsg.InProgress()
	}
	return nil
}

func (q *NATS) RenewSessionLock(ctx context.Context, lease *SessionLease) error {
	key := q.lockKey(lease.Topic, lease.SessionID)
	entry, err := q.locks.Get(ctx, key)
	if err != nil {
		return ErrSessionLockLost
	}
	if string(entry.Value()) != lease.Token {
		return ErrSessionLockLost
	}
	_, err = q.locks.Update(ctx, key, entry.Value(), entry.Revision())
	if err != nil {
		return ErrSessionLockLost
	}
	lease.ExpiresAt = time.Now().Add(LockDurationFor(lease.Topic))
	return nil
}

func (q *NATS) ReleaseSession(ctx context.Context, lease *SessionLease) error {
	key := q.lockKey(lease.Topic, lease.SessionID)
	_ = q.locks.Delete(ctx, key)
	q.mu.Lock()
	delete(q.held, string(lease.Topic)+"|"+lease.SessionID)
	q.mu.Unlock()
	return nil
}

func (q *NATS) Stats(ctx context.Context, topic Topic) (TopicStats, error) {
	stream, err := q.js.Stream(ctx, q.streamName(topic))
	if err != nil {
		return TopicStats{}, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return TopicStats{}, err
	}
	return TopicStats{Active: int64(info.State.Msgs)}, nil
}

func (q *NATS) Close() error {
	q.nc.Close()
	return nil
}

var _ DurableSessionQueue = (*NATS)(nil)
