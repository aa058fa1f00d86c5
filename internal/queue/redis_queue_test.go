package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, Options{VisibilityTimeout: 30 * time.Second})
}

func TestTaskEncodeDecode(t *testing.T) {
	task := Task{Kind: KindExecutePost, Ref: "abc-123"}
	decoded, err := DecodeTask(task.Encode())
	require.NoError(t, err)
	require.Equal(t, task, decoded)

	_, err = DecodeTask("garbage")
	require.Error(t, err)
}

func TestEnqueueImmediateIsDequeuable(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindExecutePost, Ref: "p1"}
	require.NoError(t, q.Enqueue(ctx, task, time.Now()))

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task, got)

	// Queue drained; second dequeue comes back empty.
	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScheduledTaskNotReadyUntilPromoted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindExecutePost, Ref: "p2"}
	runAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Enqueue(ctx, task, runAt))

	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task, got)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindFlushNotify, Ref: "u1|post_success|x"}
	require.NoError(t, q.Enqueue(ctx, task, time.Now()))
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Before the lease expires nothing is reclaimed.
	tasks, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	tasks, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, task, tasks[0])

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task, got)
}

func TestAckClearsInflightAndMeta(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindExecutePost, Ref: "p3"}
	require.NoError(t, q.Enqueue(ctx, task, time.Now()))
	_, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	n, err := q.BumpAttempts(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, q.Ack(ctx, task))

	tasks, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	// Attempts counter restarts after ack.
	n, err = q.BumpAttempts(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReleaseKeepsAttemptCounter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindExecutePost, Ref: "p4"}
	require.NoError(t, q.Enqueue(ctx, task, time.Now()))
	_, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	n, err := q.BumpAttempts(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, q.Release(ctx, task))

	tasks, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, tasks, "released task holds no lease")

	// Counter carries across the next delivery.
	n, err = q.BumpAttempts(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	ready := Task{Kind: KindExecutePost, Ref: "r"}
	scheduled := Task{Kind: KindExecutePost, Ref: "s"}
	require.NoError(t, q.Enqueue(ctx, ready, time.Now()))
	require.NoError(t, q.Enqueue(ctx, scheduled, time.Now().Add(time.Hour)))

	require.NoError(t, q.Cancel(ctx, ready))
	require.NoError(t, q.Cancel(ctx, scheduled))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := Task{Kind: KindExecutePost, Ref: "dead"}
	require.NoError(t, q.DLQPush(ctx, task))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{task.Encode()}, items)
}
