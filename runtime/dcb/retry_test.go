package dcb_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/dcb"
	dcbinmem "goa.design/sourced/runtime/dcb/inmem"
	esinmem "goa.design/sourced/runtime/eventstore/inmem"
	"goa.design/sourced/runtime/workpool"
	poolinmem "goa.design/sourced/runtime/workpool/inmem"
)

type retryFixture struct {
	pool    *workpool.Pool
	engine  *dcb.Engine
	retrier *dcb.Retrier
}

func newRetryFixture(t *testing.T) *retryFixture {
	t.Helper()
	var tick atomic.Int64
	now := func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + tick.Add(1))
	}
	pool, err := workpool.New(workpool.Options{Store: poolinmem.New(), Now: now})
	require.NoError(t, err)
	engine, err := dcb.NewEngine(dcb.EngineOptions{
		Scopes: dcbinmem.New(now),
		Events: esinmem.New(esinmem.Options{Now: now}),
	})
	require.NoError(t, err)
	retrier, err := dcb.NewRetrier(dcb.RetrierOptions{Pool: pool})
	require.NoError(t, err)
	return &retryFixture{pool: pool, engine: engine, retrier: retrier}
}

func TestRetrierRetriesConflictUntilCommitSucceeds(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()
	key := dcb.ScopeKey("t1", "reservation", "res-1")

	// Another writer owns versions 0 and 1 already.
	_, err := f.engine.CommitScope(ctx, key, 0, nil)
	require.NoError(t, err)
	_, err = f.engine.CommitScope(ctx, key, 1, nil)
	require.NoError(t, err)

	var attempts atomic.Int32
	require.NoError(t, f.retrier.RegisterOperation("reserve", func(ctx context.Context, args json.RawMessage) error {
		var expected struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(args, &expected); err != nil {
			return err
		}
		// Re-check on every attempt, as a conflict-aware handler would.
		n := attempts.Add(1)
		version := expected.Version + int64(n) - 1
		_, err := f.engine.CommitScope(ctx, key, version, nil)
		return err
	}))

	_, err = f.retrier.Schedule(ctx, "reserve", map[string]int64{"version": 0}, dcb.RetryOptions{
		PartitionKey: key,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, int32(3), attempts.Load())
	check, err := f.engine.CheckScopeVersion(ctx, key, 3)
	require.NoError(t, err)
	require.Equal(t, dcb.VersionMatch, check.Status)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, f.retrier.RegisterOperation("always-conflicts", func(context.Context, json.RawMessage) error {
		attempts.Add(1)
		return &dcb.ConflictError{ScopeKey: "k", Expected: 1, CurrentVersion: 5}
	}))

	_, err := f.retrier.Schedule(ctx, "always-conflicts", nil, dcb.RetryOptions{MaxAttempts: 2})
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, int32(2), attempts.Load())
}

func TestRetrierNonConflictErrorsAlsoRetry(t *testing.T) {
	f := newRetryFixture(t)
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, f.retrier.RegisterOperation("flaky", func(context.Context, json.RawMessage) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient store error")
		}
		return nil
	}))

	_, err := f.retrier.Schedule(ctx, "flaky", nil, dcb.RetryOptions{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, int32(2), attempts.Load())
}

func TestScheduleUnknownOperation(t *testing.T) {
	f := newRetryFixture(t)
	_, err := f.retrier.Schedule(context.Background(), "ghost", nil, dcb.RetryOptions{})
	require.ErrorContains(t, err, "unknown operation")
}

func TestRegisterOperationValidation(t *testing.T) {
	f := newRetryFixture(t)
	require.Error(t, f.retrier.RegisterOperation("", func(context.Context, json.RawMessage) error { return nil }))
	require.Error(t, f.retrier.RegisterOperation("op", nil))
	require.NoError(t, f.retrier.RegisterOperation("op", func(context.Context, json.RawMessage) error { return nil }))
	require.ErrorContains(t, f.retrier.RegisterOperation("op", func(context.Context, json.RawMessage) error { return nil }), "already registered")
}
