package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/queue"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnqueueDequeue(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "reconcile-settle", Payload: []byte("payload"), IdempotencyKey: "DN0001"}))

	processed := make(chan queue.Task, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "reconcile-settle",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			processed <- task
			cancel()
			return nil
		},
	}

	go func() { _ = worker.Run(ctx) }()

	select {
	case task := <-processed:
		require.Equal(t, []byte("payload"), task.Payload)
		require.Equal(t, "DN0001", task.IdempotencyKey)
		require.Equal(t, 1, task.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup"}
	ctx := context.Background()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "reconcile-settle", Payload: []byte("a"), IdempotencyKey: "DN0001"}))
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "reconcile-settle", Payload: []byte("b"), IdempotencyKey: "DN0001"}))
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "reconcile-settle", Payload: []byte("c"), IdempotencyKey: "DN0002"}))

	depth, err := client.ZCard(ctx, "dedup:queue:reconcile-settle").Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestEnqueueRejectsBadKind(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: "ok"}))
}

func TestWorkerRetries(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "demo",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			cancel()
			return nil
		},
	}

	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}

	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}
