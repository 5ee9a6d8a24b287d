package workpool_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/workpool"
	"goa.design/sourced/runtime/workpool/inmem"
)

func newPool(t *testing.T) (*workpool.Pool, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	var tick int64
	pool, err := workpool.New(workpool.Options{
		Store: store,
		Now: func() time.Time {
			tick++
			return time.UnixMilli(1_700_000_000_000 + tick)
		},
	})
	require.NoError(t, err)
	return pool, store
}

func TestEnqueueRejectsUnregisteredTarget(t *testing.T) {
	pool, _ := newPool(t)
	_, err := pool.Enqueue(context.Background(), workpool.Target{Component: "projection", Operation: "update"}, nil, workpool.EnqueueOptions{})
	require.ErrorIs(t, err, workpool.ErrUnknownTarget)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	pool, _ := newPool(t)
	target := workpool.Target{Component: "projection", Operation: "update"}
	noop := func(context.Context, json.RawMessage) error { return nil }
	require.NoError(t, pool.Register(target, noop))
	require.Error(t, pool.Register(target, noop))
}

func TestDrainPreservesPartitionFIFO(t *testing.T) {
	pool, _ := newPool(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	target := workpool.Target{Component: "projection", Operation: "update"}
	require.NoError(t, pool.Register(target, func(_ context.Context, args json.RawMessage) error {
		var label string
		require.NoError(t, json.Unmarshal(args, &label))
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}))

	for _, label := range []string{"a1", "a2", "b1", "a3", "b2"} {
		partition := "pa"
		if label[0] == 'b' {
			partition = "pb"
		}
		_, err := pool.Enqueue(ctx, target, label, workpool.EnqueueOptions{PartitionKey: partition})
		require.NoError(t, err)
	}

	require.NoError(t, pool.Drain(ctx))

	indexOf := func(label string) int {
		for i, got := range order {
			if got == label {
				return i
			}
		}
		t.Fatalf("label %s not executed", label)
		return -1
	}
	require.Len(t, order, 5)
	require.Less(t, indexOf("a1"), indexOf("a2"))
	require.Less(t, indexOf("a2"), indexOf("a3"))
	require.Less(t, indexOf("b1"), indexOf("b2"))
}

func TestRetryExhaustionMovesTaskToDead(t *testing.T) {
	pool, _ := newPool(t)
	ctx := context.Background()

	attempts := 0
	target := workpool.Target{Component: "saga", Operation: "start"}
	require.NoError(t, pool.Register(target, func(context.Context, json.RawMessage) error {
		attempts++
		return errors.New("downstream unavailable")
	}))

	var dead *workpool.Task
	pool.RegisterCompletion("saga", func(_ context.Context, task *workpool.Task) {
		dead = task
	})

	id, err := pool.Enqueue(ctx, target, map[string]string{"sagaId": "s1"}, workpool.EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	require.Equal(t, 3, attempts)
	task, err := pool.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workpool.TaskDead, task.State)
	require.Equal(t, 3, task.AttemptCount)
	require.Contains(t, task.LastError, "downstream unavailable")

	require.NotNil(t, dead)
	require.Equal(t, id, dead.ID)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	pool, _ := newPool(t)
	ctx := context.Background()

	attempts := 0
	target := workpool.Target{Component: "projection", Operation: "update"}
	require.NoError(t, pool.Register(target, func(context.Context, json.RawMessage) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}))

	id, err := pool.Enqueue(ctx, target, nil, workpool.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	require.Equal(t, 2, attempts)
	task, err := pool.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workpool.TaskSucceeded, task.State)
	require.Empty(t, task.LastError)
}

func TestRetryFollowingTaskWaitsForPartitionHead(t *testing.T) {
	pool, _ := newPool(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	failedOnce := false
	target := workpool.Target{Component: "agent", Operation: "process"}
	require.NoError(t, pool.Register(target, func(_ context.Context, args json.RawMessage) error {
		var label string
		require.NoError(t, json.Unmarshal(args, &label))
		if label == "first" && !failedOnce {
			failedOnce = true
			return errors.New("transient")
		}
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}))

	_, err := pool.Enqueue(ctx, target, "first", workpool.EnqueueOptions{PartitionKey: "agent:a1"})
	require.NoError(t, err)
	_, err = pool.Enqueue(ctx, target, "second", workpool.EnqueueOptions{PartitionKey: "agent:a1"})
	require.NoError(t, err)

	require.NoError(t, pool.Drain(ctx))

	// The retried head must still run before the task enqueued after it.
	require.Equal(t, []string{"first", "second"}, order)
}

func TestUnknownPersistedTargetIsBuriedWithoutRetry(t *testing.T) {
	store := inmem.New()
	registered, err := workpool.New(workpool.Options{Store: store})
	require.NoError(t, err)
	target := workpool.Target{Component: "projection", Operation: "update"}
	require.NoError(t, registered.Register(target, func(context.Context, json.RawMessage) error { return nil }))
	id, err := registered.Enqueue(context.Background(), target, nil, workpool.EnqueueOptions{})
	require.NoError(t, err)

	// A second pool sharing the store never registered the target.
	other, err := workpool.New(workpool.Options{Store: store})
	require.NoError(t, err)
	var dead *workpool.Task
	other.RegisterCompletion("projection", func(_ context.Context, task *workpool.Task) { dead = task })
	require.NoError(t, other.Drain(context.Background()))

	task, err := other.Task(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, workpool.TaskDead, task.State)
	require.Contains(t, task.LastError, "unknown target")
	require.Zero(t, task.AttemptCount)
	require.NotNil(t, dead)
}

func TestPartitionDepthsCountsScheduledTasks(t *testing.T) {
	pool, _ := newPool(t)
	ctx := context.Background()
	target := workpool.Target{Component: "replay", Operation: "chunk"}
	require.NoError(t, pool.Register(target, func(context.Context, json.RawMessage) error { return nil }))

	for i := 0; i < 3; i++ {
		_, err := pool.Enqueue(ctx, target, i, workpool.EnqueueOptions{PartitionKey: "replay:orders"})
		require.NoError(t, err)
	}
	_, err := pool.Enqueue(ctx, target, 99, workpool.EnqueueOptions{PartitionKey: "replay:inventory"})
	require.NoError(t, err)

	depths, err := pool.PartitionDepths(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, depths["replay:orders"])
	require.Equal(t, 1, depths["replay:inventory"])

	require.NoError(t, pool.Drain(ctx))
	depths, err = pool.PartitionDepths(ctx)
	require.NoError(t, err)
	require.Empty(t, depths)
}
