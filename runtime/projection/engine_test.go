package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/projection"
	"goa.design/sourced/runtime/projection/inmem"
	"goa.design/sourced/runtime/workpool"
	wpinmem "goa.design/sourced/runtime/workpool/inmem"
)

type fixture struct {
	registry    *projection.Registry
	pool        *workpool.Pool
	engine      *projection.Engine
	checkpoints *inmem.CheckpointStore
	poison      *inmem.PoisonStore
	deadLetters *inmem.DeadLetterStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var tick int64
	now := func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}
	pool, err := workpool.New(workpool.Options{Store: wpinmem.New(), Now: now})
	require.NoError(t, err)
	f := &fixture{
		registry:    projection.NewRegistry(),
		pool:        pool,
		checkpoints: inmem.NewCheckpointStore(),
		poison:      inmem.NewPoisonStore(now),
		deadLetters: inmem.NewDeadLetterStore(),
	}
	f.engine, err = projection.NewEngine(projection.Options{
		Registry:    f.registry,
		Pool:        pool,
		Checkpoints: f.checkpoints,
		Poison:      f.poison,
		DeadLetters: f.deadLetters,
		Now:         now,
	})
	require.NoError(t, err)
	return f
}

func orderEvent(id string, version, position int64, eventType string) *eventstore.Event {
	return &eventstore.Event{
		ID:             id,
		Type:           eventType,
		StreamType:     "order",
		StreamID:       "o1",
		Version:        version,
		GlobalPosition: position,
		BoundedContext: "orders",
		Category:       eventstore.CategoryDomain,
		SchemaVersion:  1,
		CorrelationID:  "corr-1",
		Payload:        json.RawMessage(`{"orderId":"o1"}`),
	}
}

func byOrderID(evt *eventstore.Event) string { return evt.StreamID }

func definition(name string, kind projection.Kind, handlers map[string]projection.Handler) *projection.Definition {
	return &projection.Definition{
		Name:         name,
		Category:     projection.CategoryView,
		Kind:         kind,
		Context:      "orders",
		Handlers:     handlers,
		PartitionKey: byOrderID,
	}
}

func TestRegistryLookupsAndRebuildOrder(t *testing.T) {
	registry := projection.NewRegistry()
	noop := func(context.Context, *eventstore.Event) error { return nil }

	cross := definition("orderWithInventory", projection.KindCrossContext, map[string]projection.Handler{"StockReserved": noop})
	cross.Context = "shared"
	for _, def := range []*projection.Definition{
		definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{"OrderCreated": noop, "OrderItemAdded": noop}),
		definition("orderHistory", projection.KindSecondary, map[string]projection.Handler{"OrderCreated": noop}),
		cross,
	} {
		require.NoError(t, registry.Register(def))
	}
	require.Error(t, registry.Register(definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{"OrderCreated": noop})))

	_, err := registry.Get("missing")
	require.ErrorIs(t, err, projection.ErrNotRegistered)

	byType := registry.ByEventType("OrderCreated")
	require.Len(t, byType, 2)
	require.Equal(t, "orderHistory", byType[0].Name)
	require.Equal(t, "orderSummary", byType[1].Name)

	require.Len(t, registry.ByContext("orders"), 2)
	require.Len(t, registry.ByCategory(projection.CategoryView), 3)

	order := registry.RebuildOrder()
	require.Equal(t, []string{"orderSummary", "orderHistory", "orderWithInventory"},
		[]string{order[0].Name, order[1].Name, order[2].Name})
}

func TestScheduleMatchingAppliesAndAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := 0
	require.NoError(t, f.registry.Register(definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{
		"OrderCreated": func(context.Context, *eventstore.Event) error { applied++; return nil },
	})))

	evt := orderEvent("evt-1", 1, 100, "OrderCreated")
	ids, err := f.engine.ScheduleMatching(ctx, evt)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, f.pool.Drain(ctx))
	require.Equal(t, 1, applied)

	cp, err := f.checkpoints.Get(ctx, "orderSummary", "o1")
	require.NoError(t, err)
	require.Equal(t, int64(100), cp.LastGlobalPosition)
	require.Equal(t, "evt-1", cp.LastEventID)

	// Re-delivery of the same event is a no-op.
	_, err = f.engine.Schedule(ctx, "orderSummary", evt)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))
	require.Equal(t, 1, applied)
}

func TestCheckpointSkipsStalePositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, *eventstore.Event) error { calls++; return nil }
	require.NoError(t, f.engine.WithCheckpoint(ctx, "orderSummary", "o1", orderEvent("evt-2", 2, 200, "OrderItemAdded"), handler))
	require.Equal(t, 1, calls)

	// An older event arriving late must not run.
	require.NoError(t, f.engine.WithCheckpoint(ctx, "orderSummary", "o1", orderEvent("evt-1", 1, 100, "OrderCreated"), handler))
	require.Equal(t, 1, calls)
}

func TestPoisonEventQuarantineHaltsPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied := []string{}
	require.NoError(t, f.registry.Register(definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{
		"OrderCreated": func(_ context.Context, evt *eventstore.Event) error {
			applied = append(applied, evt.ID)
			return nil
		},
		"OrderItemAdded": func(context.Context, *eventstore.Event) error {
			return errors.New("malformed item payload")
		},
	})))

	created := orderEvent("evt-1", 1, 100, "OrderCreated")
	bad := orderEvent("evt-2", 2, 200, "OrderItemAdded")
	later := orderEvent("evt-3", 3, 300, "OrderCreated")

	_, err := f.engine.Schedule(ctx, "orderSummary", created)
	require.NoError(t, err)
	_, err = f.engine.Schedule(ctx, "orderSummary", bad)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	// Retries exhausted: quarantined poison row plus pending dead letter.
	record, err := f.poison.Get(ctx, "orderSummary", "evt-2")
	require.NoError(t, err)
	require.Equal(t, projection.PoisonQuarantined, record.Status)
	require.Equal(t, 3, record.AttemptCount)
	require.Contains(t, record.Error, "malformed item payload")
	require.NotNil(t, record.QuarantinedAt)

	letters, err := f.engine.DeadLettersPending(ctx, "orderSummary")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "evt-2", letters[0].EventID)

	// Checkpoint did not advance past the failing event.
	cp, err := f.checkpoints.Get(ctx, "orderSummary", "o1")
	require.NoError(t, err)
	require.Equal(t, int64(100), cp.LastGlobalPosition)

	// A later event on the halted partition is not applied.
	_, err = f.engine.Schedule(ctx, "orderSummary", later)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))
	require.Equal(t, []string{"evt-1"}, applied)

	quarantined, err := f.engine.Quarantined(ctx, "")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestIgnorePoisonUnblocksPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fail := true
	applied := []string{}
	require.NoError(t, f.registry.Register(definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{
		"OrderCreated": func(_ context.Context, evt *eventstore.Event) error {
			applied = append(applied, evt.ID)
			return nil
		},
		"OrderItemAdded": func(context.Context, *eventstore.Event) error {
			if fail {
				return errors.New("bad payload")
			}
			return nil
		},
	})))

	bad := orderEvent("evt-1", 1, 100, "OrderItemAdded")
	_, err := f.engine.Schedule(ctx, "orderSummary", bad)
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	require.NoError(t, f.engine.IgnorePoison(ctx, "orderSummary", "evt-1", "ops@example.com", "payload irrecoverable"))
	record, err := f.poison.Get(ctx, "orderSummary", "evt-1")
	require.NoError(t, err)
	require.Equal(t, projection.PoisonIgnored, record.Status)
	require.Equal(t, "ops@example.com", record.ResolvedBy)

	// Checkpoint advanced past the ignored event so later events run.
	cp, err := f.checkpoints.Get(ctx, "orderSummary", "o1")
	require.NoError(t, err)
	require.Equal(t, int64(100), cp.LastGlobalPosition)

	_, err = f.engine.Schedule(ctx, "orderSummary", orderEvent("evt-2", 2, 200, "OrderCreated"))
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))
	require.Equal(t, []string{"evt-2"}, applied)
}

func TestReplayPoisonReappliesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fail := true
	applied := 0
	require.NoError(t, f.registry.Register(definition("orderSummary", projection.KindPrimary, map[string]projection.Handler{
		"OrderItemAdded": func(context.Context, *eventstore.Event) error {
			if fail {
				return errors.New("transient schema drift")
			}
			applied++
			return nil
		},
	})))

	_, err := f.engine.Schedule(ctx, "orderSummary", orderEvent("evt-1", 1, 100, "OrderItemAdded"))
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	fail = false
	require.NoError(t, f.engine.ReplayPoison(ctx, "orderSummary", "evt-1", "ops@example.com", "handler fixed"))
	require.Equal(t, 1, applied)

	record, err := f.poison.Get(ctx, "orderSummary", "evt-1")
	require.NoError(t, err)
	require.Equal(t, projection.PoisonReplayed, record.Status)

	cp, err := f.checkpoints.Get(ctx, "orderSummary", "o1")
	require.NoError(t, err)
	require.Equal(t, int64(100), cp.LastGlobalPosition)
}
