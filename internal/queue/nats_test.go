// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue_test

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsplatform/intake/internal/queue"
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	return srv.ClientURL()
}

func TestNATS_PerSessionFIFOAgainstEmbeddedBroker(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx := t.Context()

	q, err := queue.NewNATS(ctx, queue.NATSConfig{URL: url, StreamPrefix: "embedded"})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Send(ctx, queue.TopicDemographicsFIFO, "tenant-a", []byte("1"), nil, queue.SendOptions{}))
	require.NoError(t, q.Send(ctx, queue.TopicDemographicsFIFO, "tenant-a", []byte("2"), nil, queue.SendOptions{}))

	lease, err := q.LeaseNextSession(ctx, queue.TopicDemographicsFIFO)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", lease.SessionID)

	msgs, err := q.Receive(ctx, lease, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", string(msgs[0].Body))
	assert.Equal(t, "2", string(msgs[1].Body))

	for _, msg := range msgs {
		require.NoError(t, q.Complete(ctx, msg))
	}

	stats, err := q.Stats(ctx, queue.TopicDemographicsFIFO)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Active)
}

func TestNATS_DeadLetterAgainstEmbeddedBroker(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx := t.Context()

	q, err := queue.NewNATS(ctx, queue.NATSConfig{URL: url, StreamPrefix: "embedded-dlq"})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Send(ctx, queue.TopicDemographicsFIFO, "tenant-b", []byte("bad"), nil, queue.SendOptions{}))

	lease, err := q.LeaseNextSession(ctx, queue.TopicDemographicsFIFO)
	require.NoError(t, err)
	msgs, err := q.Receive(ctx, lease, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.DeadLetter(ctx, msgs[0], "validation failed"))

	dlqStats, err := q.Stats(ctx, queue.TopicDeadLetter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dlqStats.Active)
}
