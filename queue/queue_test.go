package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()

	q, err := New(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		q.Close()
		mr.Close()
	})
	return q, mr
}

func TestPushAndConsume(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Event{Kind: "commit", Seq: 1, Repo: "did:plc:abc"})
	require.NoError(t, err)

	deliveries, err := q.Consume(ctx, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "commit", deliveries[0].Event.Kind)
	assert.Equal(t, int64(1), deliveries[0].Event.Seq)
}

func TestAckRemovesFromPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Event{Kind: "commit", Seq: 1})
	require.NoError(t, err)

	deliveries, err := q.Consume(ctx, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, q.Ack(ctx, deliveries[0].MessageID))

	metrics, err := q.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.PendingCount)
}

func TestClaimRecoversIdleMessages(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Event{Kind: "commit", Seq: 1})
	require.NoError(t, err)

	_, err = q.Consume(ctx, "dead-worker", 10, 100*time.Millisecond)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "recovering-worker", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(1), claimed[0].Event.Seq)
}

func TestDeadLetterAcksOriginal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Event{Kind: "commit", Seq: 1})
	require.NoError(t, err)

	deliveries, err := q.Consume(ctx, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, q.DeadLetter(ctx, deliveries[0], 10, "max deliveries exceeded"))

	metrics, err := q.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.PendingCount)
	assert.Equal(t, int64(1), metrics.DeadLetterLength)

	entries, err := q.DeadLetterEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, deliveries[0].MessageID, entries[0].OrigID)
	assert.Equal(t, int64(10), entries[0].Deliveries)
	assert.Equal(t, "max deliveries exceeded", entries[0].Reason)
}

func TestMetricsCountersResetAfterCollect(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, Event{Kind: "commit"})
	require.NoError(t, err)

	m1, err := q.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.TypeCounts["commit"])

	m2, err := q.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m2.TypeCounts["commit"])
}
