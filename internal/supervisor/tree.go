// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor wires the background components (worker pools, the
// blob-event reactor, the HTTP gateway) into a suture supervision tree so a
// panic or sustained failure in one layer does not take down the others.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long Serve waits for children to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's own documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree manages the supervision hierarchy for the ingestion pipeline.
//
// Three layers provide failure isolation:
//   - ingest: per-session FIFO worker pools draining the durable queue (worker pool, webhook dispatcher)
//   - reactor: the blob-event poller that announces completed uploads
//   - api: the HTTP gateway
//
// A crash in the reactor layer, for example, does not interrupt workers
// already draining submissions.
type Tree struct {
	root    *suture.Supervisor
	ingest  *suture.Supervisor
	reactor *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// New creates a supervision tree rooted under the given name.
func New(name string, logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New(name, rootSpec)
	ingest := suture.New("ingest-layer", childSpec)
	reactor := suture.New("reactor-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(ingest)
	root.Add(reactor)
	root.Add(api)

	return &Tree{root: root, ingest: ingest, reactor: reactor, api: api, config: config}
}

// AddIngestService adds a worker-pool service to the ingest layer.
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddReactorService adds a blob-event reactor service.
func (t *Tree) AddReactorService(svc suture.Service) suture.ServiceToken {
	return t.reactor.Add(svc)
}

// AddAPIService adds the HTTP gateway service.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve starts the tree and blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a goroutine, returning a channel that
// receives the terminal error (or nil) when the tree stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport reports services that failed to stop within the
// configured shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
