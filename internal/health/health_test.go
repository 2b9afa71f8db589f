// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/queue"
)

func TestChecker_HealthyWhenAllDepsPass(t *testing.T) {
	c := NewChecker(
		Dependency{Name: "queue", Check: func(ctx context.Context) error { return nil }},
		Dependency{Name: "store", Check: func(ctx context.Context) error { return nil }},
	)
	report := c.Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Len(t, report.Components, 2)
	for _, comp := range report.Components {
		assert.True(t, comp.Healthy)
	}
}

func TestChecker_DegradedWhenSomeFail(t *testing.T) {
	c := NewChecker(
		Dependency{Name: "queue", Check: func(ctx context.Context) error { return nil }},
		Dependency{Name: "store", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
	)
	report := c.Check(context.Background())
	assert.Equal(t, "degraded", report.Status)
}

func TestChecker_UnhealthyWhenAllFail(t *testing.T) {
	c := NewChecker(
		Dependency{Name: "queue", Check: func(ctx context.Context) error { return errors.New("timeout") }},
	)
	report := c.Check(context.Background())
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "timeout", report.Components[0].Error)
}

func TestChecker_HealthyWithNoDependencies(t *testing.T) {
	c := NewChecker()
	report := c.Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Empty(t, report.Components)
}

func TestQueueReport_SummarizesEveryTopic(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, queue.TopicDemographicsFIFO, "tenant-a", []byte("1"), nil, queue.SendOptions{}))

	report, err := QueueReport(ctx, q, []queue.Topic{queue.TopicDemographicsFIFO, queue.TopicWebhooksFIFO})
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, string(queue.TopicDemographicsFIFO), report[0].Topic)
	assert.EqualValues(t, 1, report[0].Active)
	assert.EqualValues(t, 0, report[1].Active)
}
