package replay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/eventstore"
	esinmem "goa.design/sourced/runtime/eventstore/inmem"
	"goa.design/sourced/runtime/projection"
	projinmem "goa.design/sourced/runtime/projection/inmem"
	"goa.design/sourced/runtime/replay"
	"goa.design/sourced/runtime/replay/inmem"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
	wpinmem "goa.design/sourced/runtime/workpool/inmem"
)

type fixture struct {
	events      *esinmem.Store
	registry    *projection.Registry
	projections *projection.Engine
	pool        *workpool.Pool
	engine      *replay.Engine
	store       *inmem.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithMetrics(t, nil)
}

func newFixtureWithMetrics(t *testing.T, metrics telemetry.Metrics) *fixture {
	t.Helper()
	var tick int64
	now := func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}
	events := esinmem.New(esinmem.Options{Now: now})
	pool, err := workpool.New(workpool.Options{Store: wpinmem.New(), Now: now})
	require.NoError(t, err)
	registry := projection.NewRegistry()
	projections, err := projection.NewEngine(projection.Options{
		Registry:    registry,
		Pool:        pool,
		Checkpoints: projinmem.NewCheckpointStore(),
		Poison:      projinmem.NewPoisonStore(now),
		DeadLetters: projinmem.NewDeadLetterStore(),
		Now:         now,
	})
	require.NoError(t, err)
	store := inmem.New()
	engine, err := replay.NewEngine(replay.Options{
		Events:      events,
		Projections: projections,
		Registry:    registry,
		Pool:        pool,
		Store:       store,
		Metrics:     metrics,
		Now:         now,
	})
	require.NoError(t, err)
	return &fixture{
		events:      events,
		registry:    registry,
		projections: projections,
		pool:        pool,
		engine:      engine,
		store:       store,
	}
}

func (f *fixture) registerCounter(t *testing.T, name string, applied *int) {
	t.Helper()
	require.NoError(t, f.registry.Register(&projection.Definition{
		Name:     name,
		Category: projection.CategoryView,
		Kind:     projection.KindPrimary,
		Context:  "orders",
		Handlers: map[string]projection.Handler{
			"OrderCreated": func(context.Context, *eventstore.Event) error {
				*applied++
				return nil
			},
		},
		PartitionKey: func(evt *eventstore.Event) string { return evt.StreamID },
	}))
}

func (f *fixture) appendOrders(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		streamID := fmt.Sprintf("o%d", i)
		_, err := f.events.Append(context.Background(), "order", streamID, 0, "orders", []eventstore.AppendEvent{
			{Type: "OrderCreated", Payload: json.RawMessage(`{}`)},
		})
		require.NoError(t, err)
	}
}

func TestTriggerRebuildProcessesAllEventsInChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 150)

	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 50)
	require.NoError(t, err)
	require.Equal(t, replay.StatusRunning, cp.Status)
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, 150, applied)
	final, err := f.store.Get(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, final.Status)
	require.Equal(t, int64(150), final.EventsProcessed)
	require.Equal(t, int64(3), final.ChunksCompleted)
	require.NotNil(t, final.CompletedAt)
}

func TestTriggerRebuildRejectsActiveReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 5)

	_, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 50)
	require.NoError(t, err)

	// The first replay is still running; a second trigger is rejected.
	_, err = f.engine.TriggerRebuild(ctx, "orderSummary", 0, 50)
	require.ErrorIs(t, err, replay.ErrReplayActive)
}

func TestTriggerRebuildUnknownProjection(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.TriggerRebuild(context.Background(), "missing", 0, 50)
	require.ErrorIs(t, err, projection.ErrNotRegistered)
}

func TestTriggerRebuildZeroEventsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)

	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 50)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, cp.Status)
	require.NotNil(t, cp.CompletedAt)

	status, err := f.engine.Status(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, float64(100), status.PercentComplete)
}

func TestTriggerRebuildClampsFromPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 3)

	max, err := f.events.GlobalPosition(ctx)
	require.NoError(t, err)

	// Beyond the high-water mark clamps down to it, leaving nothing to do.
	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", max+1_000_000, 50)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, cp.Status)
	require.Equal(t, max, cp.StartPosition)
}

func TestCancelRebuildStopsChunkProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 10)

	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 5)
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelRebuild(ctx, cp.ReplayID))

	// The scheduled chunk observes the cancelled status and exits.
	require.NoError(t, f.pool.Drain(ctx))
	require.Zero(t, applied)

	final, err := f.store.Get(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCancelled, final.Status)
	require.Zero(t, final.EventsProcessed)

	// Cancelling twice is an error.
	require.Error(t, f.engine.CancelRebuild(ctx, cp.ReplayID))
}

func TestPauseAndResumeRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 10)

	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 5)
	require.NoError(t, err)
	require.NoError(t, f.engine.PauseRebuild(ctx, cp.ReplayID))
	require.NoError(t, f.pool.Drain(ctx))
	require.Zero(t, applied)

	require.NoError(t, f.engine.ResumeRebuild(ctx, cp.ReplayID))
	require.NoError(t, f.pool.Drain(ctx))
	require.Equal(t, 10, applied)

	final, err := f.store.Get(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, final.Status)
}

func TestStatusReportsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 20)

	cp, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 10)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	status, err := f.engine.Status(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, status.Checkpoint.Status)
	require.InDelta(t, 100, status.PercentComplete, 0.2)

	_, err = f.engine.Status(ctx, "missing")
	require.ErrorIs(t, err, replay.ErrReplayNotFound)
}

type captureMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (m *captureMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]float64)
	}
	m.counters[name] += value
}

func (m *captureMetrics) RecordTimer(string, time.Duration, ...string) {}

func (m *captureMetrics) RecordGauge(string, float64, ...string) {}

func (m *captureMetrics) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func TestRebuildCountsProcessedEvents(t *testing.T) {
	metrics := &captureMetrics{}
	f := newFixtureWithMetrics(t, metrics)
	ctx := context.Background()

	applied := 0
	f.registerCounter(t, "orderSummary", &applied)
	f.appendOrders(t, 120)

	_, err := f.engine.TriggerRebuild(ctx, "orderSummary", 0, 50)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, float64(120), metrics.counter("replay.events_processed"))
}
