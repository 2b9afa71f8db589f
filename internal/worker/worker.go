// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worker implements the ordered worker pool: one
// goroutine per leased session drains demographics-fifo in order,
// applying a per-message state machine (validate -> persist -> enqueue
// webhook event -> complete) with dead-lettering on permanent failure
// and abandon-for-redelivery on transient failure. Cross-session
// parallelism comes from running PoolSize session-draining goroutines
// concurrently; within a session, strict FIFO is preserved because only
// one goroutine ever holds that session's lease.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/claimsplatform/intake/internal/apierr"
	"github.com/claimsplatform/intake/internal/logging"
	"github.com/claimsplatform/intake/internal/metrics"
	"github.com/claimsplatform/intake/internal/queue"
)

// Handler processes one message to completion or returns an error
// classified via apierr (*apierr.RetryableError or *apierr.PermanentError).
type Handler func(ctx context.Context, msg queue.Message) error

// Pool drains a FIFO topic with a fixed number of concurrent session
// workers.
type Pool struct {
	q       queue.DurableSessionQueue
	topic   queue.Topic
	handler Handler
	size    int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool of `size` concurrent session-draining workers over
// topic, each message passed to handler.
func New(q queue.DurableSessionQueue, topic queue.Topic, size int, handler Handler) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{q: q, topic: topic, handler: handler, size: size}
}

// Run starts the worker pool; it blocks until ctx is cancelled or Stop
// is called.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx)
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
}

// Stop signals all session workers to exit and waits for them to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pool) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := p.q.LeaseNextSession(ctx, p.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn().Err(err).Str("topic", string(p.topic)).Msg("failed to lease session")
			time.Sleep(time.Second)
			continue
		}
		p.drainSession(ctx, lease)
	}
}

// drainSession processes every message currently available in the
// leased session, renewing the session lock between batches, then
// releases the session so another worker (or this one, next iteration)
// can pick up whatever has accumulated since.
func (p *Pool) drainSession(ctx context.Context, lease *queue.SessionLease) {
	defer func() {
		if err := p.q.ReleaseSession(ctx, lease); err != nil {
			logging.Warn().Err(err).Str("session_id", lease.SessionID).Msg("failed to release session")
		}
	}()

	for {
		msgs, err := p.q.Receive(ctx, lease, 16)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", lease.SessionID).Msg("failed to receive from session")
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if !p.process(ctx, lease, msg) {
				// This message was abandoned for redelivery, not completed
				// or dead-lettered. Any later messages already fetched in
				// this batch must not run ahead of it, so stop draining
				// and release the session (deferred above); they'll be redelivered
				// in order on the next lease.
				return
			}
		}
		if err := p.q.RenewSessionLock(ctx, lease); err != nil {
			logging.Warn().Err(err).Str("session_id", lease.SessionID).Msg("failed to renew session lock")
			return
		}
	}
}

// process runs one message through the handler and resolves it against
// the queue. It reports whether the outcome was terminal (completed or
// dead-lettered) as opposed to abandoned for redelivery.
func (p *Pool) process(ctx context.Context, lease *queue.SessionLease, msg queue.Message) bool {
	start := time.Now()
	err := p.handler(ctx, msg)
	metrics.WorkerProcessingDuration.WithLabelValues(string(p.topic)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if cerr := p.q.Complete(ctx, msg); cerr != nil {
			logging.Warn().Err(cerr).Str("message_id", msg.ID).Msg("failed to complete message")
		}
		return true
	case apierr.IsPermanent(err):
		if derr := p.q.DeadLetter(ctx, msg, err.Error()); derr != nil {
			logging.Error().Err(derr).Str("message_id", msg.ID).Msg("failed to dead-letter message")
		}
		return true
	case msg.DeliveryCount+1 >= queue.MaxDeliveryCountFor(p.topic):
		if derr := p.q.DeadLetter(ctx, msg, "max_delivery_count_exceeded: "+err.Error()); derr != nil {
			logging.Error().Err(derr).Str("message_id", msg.ID).Msg("failed to dead-letter message")
		}
		return true
	default:
		if aerr := p.q.Abandon(ctx, msg); aerr != nil {
			logging.Warn().Err(aerr).Str("message_id", msg.ID).Msg("failed to abandon message")
		}
		return false
	}
}
