// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RunnableUntilDone matches the blocking Run(ctx) convention used by
// worker.Pool and reactor.Reactor: the call blocks until ctx is canceled
// and returns once every background goroutine it owns has exited.
type RunnableUntilDone interface {
	Run(ctx context.Context)
}

// RunnableService adapts a RunnableUntilDone into a suture.Service.
type RunnableService struct {
	runnable RunnableUntilDone
	name     string
}

// NewRunnableService wraps a RunnableUntilDone for supervision.
func NewRunnableService(name string, runnable RunnableUntilDone) *RunnableService {
	return &RunnableService{runnable: runnable, name: name}
}

// Serve implements suture.Service.
func (s *RunnableService) Serve(ctx context.Context) error {
	s.runnable.Run(ctx)
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logging.
func (s *RunnableService) String() string {
	return s.name
}

// HTTPServer matches *http.Server's lifecycle methods, avoiding a direct
// dependency so the gateway can be exercised with a fake in tests.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTP server as a supervised service, bridging
// ListenAndServe's blocking style to suture's context-aware Serve.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService creates a supervised HTTP server wrapper. The
// shutdownTimeout bounds how long in-flight requests get to drain.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout, name: "api-gateway"}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api gateway failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api gateway shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's logging.
func (h *HTTPServerService) String() string {
	return h.name
}
