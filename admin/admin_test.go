package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/admin"
	"goa.design/sourced/runtime/agent"
	agentinmem "goa.design/sourced/runtime/agent/inmem"
	"goa.design/sourced/runtime/breaker"
	"goa.design/sourced/runtime/command"
	"goa.design/sourced/runtime/eventstore"
	esinmem "goa.design/sourced/runtime/eventstore/inmem"
	"goa.design/sourced/runtime/projection"
	projinmem "goa.design/sourced/runtime/projection/inmem"
	"goa.design/sourced/runtime/replay"
	replayinmem "goa.design/sourced/runtime/replay/inmem"
	"goa.design/sourced/runtime/workpool"
	poolinmem "goa.design/sourced/runtime/workpool/inmem"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(context.Context, *command.Envelope) (*command.Result, error) {
	return &command.Result{Status: command.ResultSuccess, Version: 1}, nil
}

type adminFixture struct {
	pool        *workpool.Pool
	events      *esinmem.Store
	registry    *projection.Registry
	projections *projection.Engine
	replays     *replay.Engine
	agents      *agent.Runtime
	breakers    *breaker.Set
	surface     *admin.Surface
	now         func() time.Time
}

func newAdminFixture(t *testing.T, guard *admin.Guard) *adminFixture {
	t.Helper()
	var tick atomic.Int64
	now := func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + tick.Add(1))
	}
	pool, err := workpool.New(workpool.Options{Store: poolinmem.New(), Now: now})
	require.NoError(t, err)
	events := esinmem.New(esinmem.Options{Now: now})
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
	replays, err := replay.NewEngine(replay.Options{
		Events:      events,
		Projections: projections,
		Registry:    registry,
		Pool:        pool,
		Store:       replayinmem.New(),
		Now:         now,
	})
	require.NoError(t, err)
	agents, err := agent.NewRuntime(agent.Options{
		Pool:        pool,
		Events:      events,
		Checkpoints: agentinmem.NewCheckpointStore(),
		Approvals:   agentinmem.NewApprovalStore(),
		DeadLetters: agentinmem.NewDeadLetterStore(),
		Audit:       agentinmem.NewAuditStore(),
		Spend:       agentinmem.NewSpendStore(),
		Commands:    fakeDispatcher{},
		Now:         now,
	})
	require.NoError(t, err)
	breakers := breaker.NewSet(breaker.Options{Now: now})
	surface, err := admin.New(admin.Options{
		Replays:     replays,
		Projections: projections,
		Agents:      agents,
		Breakers:    breakers,
		Guard:       guard,
	})
	require.NoError(t, err)
	return &adminFixture{
		pool:        pool,
		events:      events,
		registry:    registry,
		projections: projections,
		replays:     replays,
		agents:      agents,
		breakers:    breakers,
		surface:     surface,
		now:         now,
	}
}

func (f *adminFixture) append(t *testing.T, streamID string, types ...string) []*eventstore.Event {
	t.Helper()
	ctx := context.Background()
	ver, err := f.events.StreamVersion(ctx, "order", streamID)
	require.NoError(t, err)
	aes := make([]eventstore.AppendEvent, len(types))
	for i, typ := range types {
		aes[i] = eventstore.AppendEvent{Type: typ, Payload: json.RawMessage(`{}`)}
	}
	_, err = f.events.Append(ctx, "order", streamID, ver, "orders", aes)
	require.NoError(t, err)
	stored, err := f.events.ReadStream(ctx, "order", streamID, ver, len(types))
	require.NoError(t, err)
	return stored
}

func orderSummaryDef(handler projection.Handler) *projection.Definition {
	return &projection.Definition{
		Name:         "order-summary",
		Category:     projection.CategoryView,
		Kind:         projection.KindPrimary,
		Context:      "orders",
		Handlers:     map[string]projection.Handler{"OrderPlaced": handler},
		PartitionKey: func(evt *eventstore.Event) string { return evt.StreamID },
	}
}

func TestRebuildLifecycleThroughAdmin(t *testing.T) {
	f := newAdminFixture(t, &admin.Guard{TestMode: true})
	ctx := context.Background()
	var applied atomic.Int32
	require.NoError(t, f.registry.Register(orderSummaryDef(
		func(context.Context, *eventstore.Event) error {
			applied.Add(1)
			return nil
		})))
	f.append(t, "ord-1", "OrderPlaced", "OrderPlaced", "OrderPlaced")

	cp, err := f.surface.TriggerRebuild(ctx, "order-summary", 0, 2)
	require.NoError(t, err)
	require.Equal(t, replay.StatusRunning, cp.Status)

	active, err := f.surface.ListActiveRebuilds(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, cp.ReplayID, active[0].ReplayID)

	require.NoError(t, f.pool.Drain(ctx))

	status, err := f.surface.RebuildStatus(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, status.Checkpoint.Status)
	require.InDelta(t, 100, status.PercentComplete, 1e-9)
	require.Equal(t, int32(3), applied.Load())

	active, err = f.surface.ListActiveRebuilds(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestCancelRebuildThroughAdmin(t *testing.T) {
	f := newAdminFixture(t, &admin.Guard{TestMode: true})
	ctx := context.Background()
	require.NoError(t, f.registry.Register(orderSummaryDef(
		func(context.Context, *eventstore.Event) error { return nil })))
	f.append(t, "ord-1", "OrderPlaced")

	cp, err := f.surface.TriggerRebuild(ctx, "order-summary", 0, 1)
	require.NoError(t, err)
	require.NoError(t, f.surface.CancelRebuild(ctx, cp.ReplayID))

	status, err := f.surface.RebuildStatus(ctx, cp.ReplayID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCancelled, status.Checkpoint.Status)
}

func TestPoisonReviewThroughAdmin(t *testing.T) {
	f := newAdminFixture(t, &admin.Guard{TestMode: true})
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	require.NoError(t, f.registry.Register(orderSummaryDef(
		func(context.Context, *eventstore.Event) error {
			if broken.Load() {
				return errors.New("mapping failure")
			}
			return nil
		})))
	evts := f.append(t, "ord-1", "OrderPlaced")

	_, err := f.projections.Schedule(ctx, "order-summary", evts[0])
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	quarantined, err := f.surface.ListQuarantined(ctx, "order-summary")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	require.Equal(t, evts[0].ID, quarantined[0].EventID)

	broken.Store(false)
	require.NoError(t, f.surface.ReplayPoisonEvent(ctx, "order-summary", evts[0].ID, "ops", "handler fixed"))

	quarantined, err = f.surface.ListQuarantined(ctx, "order-summary")
	require.NoError(t, err)
	require.Empty(t, quarantined)

	// A resolved record cannot be ignored afterwards.
	err = f.surface.IgnorePoisonEvent(ctx, "order-summary", evts[0].ID, "ops", "")
	require.ErrorContains(t, err, "not quarantined")
}

func TestAgentDeadLetterReviewThroughAdmin(t *testing.T) {
	f := newAdminFixture(t, &admin.Guard{TestMode: true})
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	require.NoError(t, f.agents.Register(&agent.Config{
		AgentID:       "fraud-watch",
		EventTypes:    []string{"OrderPlaced"},
		PatternWindow: agent.PatternWindow{Duration: "1h", MinEvents: 1},
		OnEvent: func(context.Context, *agent.ExecutionContext) (*agent.Decision, error) {
			if broken.Load() {
				return nil, errors.New("decider outage")
			}
			return nil, nil
		},
	}))
	_, err := f.agents.ApplyLifecycleCommand(ctx, "fraud-watch", "StartAgent", nil)
	require.NoError(t, err)

	evts := f.append(t, "ord-1", "OrderPlaced")
	require.NoError(t, f.agents.EventAppended(ctx, evts[0]))
	require.NoError(t, f.pool.Drain(ctx))

	letters, err := f.surface.AgentDeadLetters(ctx, "fraud-watch", agent.DeadLetterPending)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	broken.Store(false)
	require.NoError(t, f.surface.RetryAgentDeadLetter(ctx, letters[0].ID))

	replayed, err := f.surface.AgentDeadLetters(ctx, "fraud-watch", agent.DeadLetterReplayed)
	require.NoError(t, err)
	require.Len(t, replayed, 1)

	require.Error(t, f.surface.IgnoreAgentDeadLetter(ctx, letters[0].ID))
}

func TestCircuitControlsThroughAdmin(t *testing.T) {
	f := newAdminFixture(t, &admin.Guard{TestMode: true})
	ctx := context.Background()

	b := f.breakers.Get("payments")
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, breaker.StateOpen, f.surface.CircuitState("payments"))

	f.surface.ResetCircuit(ctx, "payments")
	require.Equal(t, breaker.StateClosed, f.surface.CircuitState("payments"))

	states := f.surface.CircuitStates()
	require.Equal(t, breaker.StateClosed, states["payments"])
}

func TestForceExpireApprovalRespectsGuard(t *testing.T) {
	guard := &admin.Guard{
		LookupEnv: func(string) (string, bool) { return "1", true },
	}
	f := newAdminFixture(t, guard)
	ctx := context.Background()

	require.NoError(t, f.agents.Register(&agent.Config{
		AgentID:       "fraud-watch",
		EventTypes:    []string{"OrderPlaced"},
		PatternWindow: agent.PatternWindow{Duration: "1h", MinEvents: 1},
		OnEvent: func(_ context.Context, ec *agent.ExecutionContext) (*agent.Decision, error) {
			return &agent.Decision{
				Command:    &command.Envelope{CommandType: "HoldOrder", TargetContext: "orders"},
				Confidence: 0.2,
			}, nil
		},
	}))
	_, err := f.agents.ApplyLifecycleCommand(ctx, "fraud-watch", "StartAgent", nil)
	require.NoError(t, err)
	evts := f.append(t, "ord-1", "OrderPlaced")
	require.NoError(t, f.agents.EventAppended(ctx, evts[0]))
	require.NoError(t, f.pool.Drain(ctx))

	pending, err := f.agents.Approvals(ctx, "fraud-watch", agent.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	err = f.surface.ForceExpireApproval(ctx, pending[0].ApprovalID)
	require.ErrorIs(t, err, admin.ErrTestOnly)

	guard.TestMode = true
	require.NoError(t, f.surface.ForceExpireApproval(ctx, pending[0].ApprovalID))
	pa, err := f.agents.Approval(ctx, pending[0].ApprovalID)
	require.NoError(t, err)
	require.Equal(t, agent.ApprovalExpired, pa.Status)

	// Expiry sweep through the surface finds nothing left.
	n, err := f.surface.SweepExpiredApprovals(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGuardConditions(t *testing.T) {
	markerSet := func(string) (string, bool) { return "1", true }
	markerAbsent := func(string) (string, bool) { return "", false }

	require.NoError(t, (&admin.Guard{TestMode: true, LookupEnv: markerSet}).AllowTestOnly())
	require.NoError(t, (&admin.Guard{LookupEnv: markerAbsent}).AllowTestOnly())
	require.ErrorIs(t, (&admin.Guard{LookupEnv: markerSet}).AllowTestOnly(), admin.ErrTestOnly)

	admin.TestHarnessActive = true
	defer func() { admin.TestHarnessActive = false }()
	require.NoError(t, (&admin.Guard{LookupEnv: markerSet}).AllowTestOnly())
}
