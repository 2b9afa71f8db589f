// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health implements the /health and /queues telemetry endpoints:
// a liveness/readiness summary plus a per-topic depth report backed
// directly by the Durable Session Queue's Stats operation.
package health

import (
	"context"
	"time"

	"github.com/claimsplatform/intake/internal/metrics"
	"github.com/claimsplatform/intake/internal/queue"
)

// Dependency is a named subsystem checked for readiness (broker,
// database, object store).
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// ComponentStatus is the reported health of one dependency.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the full body of a /health response.
type Report struct {
	Status     string            `json:"status"` // "healthy" | "degraded" | "unhealthy"
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker aggregates dependency checks into a Report.
type Checker struct {
	deps []Dependency
}

// NewChecker builds a Checker over the given dependencies.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{deps: deps}
}

// Check runs every dependency check and summarizes the result. The
// overall status is "unhealthy" if every dependency failed, "degraded"
// if some did, and "healthy" otherwise.
func (c *Checker) Check(ctx context.Context) Report {
	components := make([]ComponentStatus, 0, len(c.deps))
	failures := 0
	for _, d := range c.deps {
		cs := ComponentStatus{Name: d.Name, Healthy: true}
		if err := d.Check(ctx); err != nil {
			cs.Healthy = false
			cs.Error = err.Error()
			failures++
		}
		components = append(components, cs)
	}

	status := "healthy"
	switch {
	case len(c.deps) > 0 && failures == len(c.deps):
		status = "unhealthy"
	case failures > 0:
		status = "degraded"
	}

	return Report{Status: status, Components: components, CheckedAt: time.Now().UTC()}
}

// TopicReport is the per-topic row of a /queues response.
type TopicReport struct {
	Topic     string `json:"topic"`
	Active    int64  `json:"active"`
	Scheduled int64  `json:"scheduled"`
}

// QueueReport summarizes every monitored topic's depth.
func QueueReport(ctx context.Context, q queue.DurableSessionQueue, topics []queue.Topic) ([]TopicReport, error) {
	out := make([]TopicReport, 0, len(topics))
	for _, topic := range topics {
		stats, err := q.Stats(ctx, topic)
		if err != nil {
			return nil, err
		}
		metrics.UpdateQueueGauges(string(topic), stats.Active, 0, stats.Scheduled)
		out = append(out, TopicReport{Topic: string(topic), Active: stats.Active, Scheduled: stats.Scheduled})
	}
	return out, nil
}
