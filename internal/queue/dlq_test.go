package queue_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		dead    []queue.Task
		lastErr error
	)
	log := zerolog.New(io.Discard)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              "reconcile-settle",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         10 * time.Millisecond,
		Logger:            &log,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("stock row locked")
		},
		DeadLetter: func(_ context.Context, task queue.Task, err error) {
			mu.Lock()
			defer mu.Unlock()
			dead = append(dead, task)
			lastErr = err
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "reconcile-settle", Payload: []byte(`{"tradeNo":"DN0001"}`), IdempotencyKey: "DN0001"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	require.Equal(t, "DN0001", dead[0].IdempotencyKey)
	require.Equal(t, 2, dead[0].Attempt)
	require.EqualError(t, lastErr, "stock row locked")
	mu.Unlock()

	letters, err := enq.DeadLetters(context.Background(), "reconcile-settle", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.JSONEq(t, `{"tradeNo":"DN0001"}`, string(letters[0].Payload))

	// the idempotency key is free again once the task is dead-lettered
	exists, err := client.Exists(context.Background(), "dlq:dedup:reconcile-settle:DN0001").Result()
	require.NoError(t, err)
	require.Zero(t, exists)

	cancel()
	<-done
}
