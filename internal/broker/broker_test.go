package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupBroker(t *testing.T, cfg Config) (*miniredis.Miniredis, *Broker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, New(client, cfg, zerolog.Nop())
}

func TestEnqueueDequeueAck(t *testing.T) {
	_, b := setupBroker(t, Config{})
	ctx := context.Background()

	added, err := b.Enqueue(ctx, "j1", []byte(`{"n":1}`), 0)
	require.NoError(t, err)
	require.True(t, added)

	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.JSONEq(t, `{"n":1}`, string(job.Payload))

	require.NoError(t, b.Ack(ctx, "j1"))

	has, err := b.Has(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, has)

	job, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "queue drained")
}

func TestEnqueueRejectsSeenIDs(t *testing.T) {
	_, b := setupBroker(t, Config{})
	ctx := context.Background()

	added, err := b.Enqueue(ctx, "j1", []byte("a"), 0)
	require.NoError(t, err)
	require.True(t, added)

	// Still queued: duplicate.
	added, err = b.Enqueue(ctx, "j1", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, added)

	// Processed and acked: the ID stays rejected for the retention window.
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, job.ID))

	added, err = b.Enqueue(ctx, "j1", []byte("c"), 0)
	require.NoError(t, err)
	assert.False(t, added, "retention keeps processed IDs out")
}

func TestDelayedDelivery(t *testing.T) {
	_, b := setupBroker(t, Config{BatchSize: 10})
	ctx := context.Background()

	added, err := b.Enqueue(ctx, "later", []byte("x"), 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, added)

	n, err := b.RequeueDelayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Use a due-in-the-past delay to avoid sleeping in the test.
	added, err = b.Enqueue(ctx, "due", []byte("y"), time.Nanosecond)
	require.NoError(t, err)
	require.True(t, added)
	time.Sleep(5 * time.Millisecond)

	n, err = b.RequeueDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "due", job.ID)
}

func TestNackRetriesThenDrops(t *testing.T) {
	_, b := setupBroker(t, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "j1", []byte("x"), 0)
	require.NoError(t, err)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	retried, err := b.Nack(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, retried, "first failure schedules a retry")

	time.Sleep(5 * time.Millisecond)
	n, err := b.RequeueDelayed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	job, err = b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	retried, err = b.Nack(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, retried, "attempts exhausted, job dropped")

	has, err := b.Has(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestForgetReopensID(t *testing.T) {
	_, b := setupBroker(t, Config{})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "j1", []byte("x"), 0)
	require.NoError(t, err)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, b.Forget(ctx, job.ID))

	has, err := b.Has(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, has)

	// Unlike Ack, Forget does not hold the ID for the retention window.
	added, err := b.Enqueue(ctx, "j1", []byte("y"), 0)
	require.NoError(t, err)
	assert.True(t, added, "forgotten ID may be enqueued again immediately")
}

func TestPruneSeenReopensIDs(t *testing.T) {
	mr, b := setupBroker(t, Config{Retention: time.Minute})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "j1", []byte("x"), 0)
	require.NoError(t, err)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, job.ID))

	// Inside retention: still rejected, nothing pruned.
	n, err := b.PruneSeen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Age the seen entry past retention by rewriting its score.
	old := time.Now().Add(-2 * time.Minute).UnixMilli()
	_, err = mr.ZAdd(keySeen, float64(old), "j1")
	require.NoError(t, err)

	n, err = b.PruneSeen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	added, err := b.Enqueue(ctx, "j1", []byte("again"), 0)
	require.NoError(t, err)
	assert.True(t, added, "pruned ID may be enqueued again")
}

func TestDepth(t *testing.T) {
	_, b := setupBroker(t, Config{})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "r1", []byte("x"), 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "d1", []byte("y"), time.Hour)
	require.NoError(t, err)

	ready, delayed, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
	assert.EqualValues(t, 1, delayed)
}

func TestWorkerProcessesJobs(t *testing.T) {
	_, b := setupBroker(t, Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  5,
		RetryDelay:   20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	w := NewWorker(b, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID]++
		if job.ID == "flaky" && seen[job.ID] == 1 {
			return errors.New("transient")
		}
		return nil
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	_, err := b.Enqueue(ctx, "ok", []byte("x"), 0)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "flaky", []byte("y"), 0)
	require.NoError(t, err)
	w.Wake()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["ok"] == 1 && seen["flaky"] >= 2
	}, 5*time.Second, 10*time.Millisecond, "worker retries the flaky job")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestWorkerLeavesRequeuedJobsAlone(t *testing.T) {
	_, b := setupBroker(t, Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  2,
		RetryDelay:   time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := 0
	w := NewWorker(b, func(ctx context.Context, job Job) error {
		mu.Lock()
		handled++
		mu.Unlock()
		if err := b.Forget(ctx, job.ID); err != nil {
			return err
		}
		return ErrRequeued
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	_, err := b.Enqueue(ctx, "back", []byte("x"), 0)
	require.NoError(t, err)
	w.Wake()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Neither acked-for-retention nor nacked-for-retry: the ID is free,
	// nothing is scheduled, and the job is not redelivered.
	time.Sleep(50 * time.Millisecond)
	ready, delayed, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, delayed)
	mu.Lock()
	assert.Equal(t, 1, handled)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}

	added, err := b.Enqueue(context.Background(), "back", []byte("y"), 0)
	require.NoError(t, err)
	assert.True(t, added, "requeued ID may be enqueued again")
}
