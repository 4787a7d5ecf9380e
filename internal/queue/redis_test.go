package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	// Keep retry backoff out of the way for tests that drive redelivery in
	// a tight loop; the backoff itself is covered separately.
	q.RetryBase = time.Millisecond
	q.RetryCap = 4 * time.Millisecond
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueue_EnqueueDequeueComplete(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "dialogue", []byte(`{"run_id":"r1"}`)))

	depth, err := q.Depth(ctx, "dialogue")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	msg, err := q.Dequeue(ctx, "dialogue", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, `{"run_id":"r1"}`, string(msg.Payload))
	require.Equal(t, 0, msg.Attempts)

	depth, err = q.Depth(ctx, "dialogue")
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	require.NoError(t, q.Complete(ctx, "dialogue", msg))
}

func TestRedisQueue_DequeueEmptyReturnsNil(t *testing.T) {
	q := newTestRedisQueue(t)
	msg, err := q.Dequeue(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestRedisQueue_FailRequeuesUntilMaxThenDLQs(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "judgment", []byte(`{"turn_index":0}`)))

	const maxRedeliveries = 2
	var lastMsg *Message
	for i := 0; i <= maxRedeliveries; i++ {
		msg, err := q.Dequeue(ctx, "judgment", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg, "delivery %d", i)
		require.Equal(t, i, msg.Attempts)
		require.NoError(t, q.Fail(ctx, "judgment", msg, maxRedeliveries, "boom"))
		lastMsg = msg
	}
	_ = lastMsg

	// Exhausted: no longer on the ready list.
	depth, err := q.Depth(ctx, "judgment")
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	dls, err := q.DeadLetters(ctx, "judgment")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, "boom", dls[0].Reason)
	require.Equal(t, maxRedeliveries, dls[0].Attempts)
}

func TestRedisQueue_RequeueFromDLQ(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "q", []byte(`{"x":1}`)))
	msg, err := q.Dequeue(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "q", msg, 0, "bad"))

	dls, err := q.DeadLetters(ctx, "q")
	require.NoError(t, err)
	require.Len(t, dls, 1)

	require.NoError(t, q.Requeue(ctx, "q", dls[0].ID))

	depth, err := q.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	redelivered, err := q.Dequeue(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, 0, redelivered.Attempts)
}

func TestRedisQueue_ReclaimExpired(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "q", []byte(`{}`)))

	msg, err := q.Dequeue(ctx, "q", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	time.Sleep(1100 * time.Millisecond)

	n, err := q.ReclaimExpired(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	depth, err := q.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestRedisQueue_FailedMessageWaitsOutBackoff(t *testing.T) {
	q := newTestRedisQueue(t)
	q.RetryBase = 400 * time.Millisecond
	q.RetryCap = 400 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "q", []byte(`{}`)))
	msg, err := q.Dequeue(ctx, "q", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Fail(ctx, "q", msg, 3, "throttled"))

	// Within the backoff window the message is parked, not ready.
	early, err := q.Dequeue(ctx, "q", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, early, "message must not redeliver before its backoff elapses")

	// Once the delay passes, Dequeue promotes and delivers it.
	late, err := q.Dequeue(ctx, "q", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, late)
	require.Equal(t, 1, late.Attempts)
}
