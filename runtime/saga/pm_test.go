package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/command"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/saga"
	sagainmem "goa.design/sourced/runtime/saga/inmem"
	"goa.design/sourced/runtime/workpool"
	poolinmem "goa.design/sourced/runtime/workpool/inmem"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	envs []*command.Envelope
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, env *command.Envelope) (*command.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.envs = append(d.envs, env)
	return &command.Result{Status: command.ResultSuccess, Version: 1}, nil
}

func (d *fakeDispatcher) dispatched() []*command.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*command.Envelope(nil), d.envs...)
}

type pmFixture struct {
	pool       *workpool.Pool
	manager    *saga.PMManager
	states     *sagainmem.PMStateStore
	dispatcher *fakeDispatcher
}

func newPMFixture(t *testing.T) *pmFixture {
	t.Helper()
	var tick int64
	now := func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}
	pool, err := workpool.New(workpool.Options{Store: poolinmem.New(), Now: now})
	require.NoError(t, err)
	states := sagainmem.NewPMStateStore()
	dispatcher := &fakeDispatcher{}
	manager, err := saga.NewPMManager(saga.PMManagerOptions{
		Pool:     pool,
		States:   states,
		Commands: dispatcher,
		Now:      now,
	})
	require.NoError(t, err)
	return &pmFixture{pool: pool, manager: manager, states: states, dispatcher: dispatcher}
}

func shipmentEvent(id string, position int64) *eventstore.Event {
	return &eventstore.Event{
		ID:             id,
		Type:           "OrderPaid",
		StreamType:     "order",
		StreamID:       "ord-1",
		Version:        2,
		GlobalPosition: position,
		BoundedContext: "orders",
		CorrelationID:  "corr-" + id,
		Payload:        json.RawMessage(`{"orderId":"ord-1"}`),
		Timestamp:      time.UnixMilli(1_700_000_000_000),
	}
}

func shipmentPM(handler saga.PMHandler) *saga.PMDefinition {
	return &saga.PMDefinition{
		Name:        "shipment",
		InstanceKey: func(evt *eventstore.Event) string { return evt.StreamID },
		Handlers:    map[string]saga.PMHandler{"OrderPaid": handler},
	}
}

func TestPMHandlesEventAndEmitsCommands(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, evt *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			return []*command.Envelope{{
				CommandType:   "CreateShipment",
				TargetContext: "shipping",
				Payload:       evt.Payload,
			}}, nil
		})))

	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, saga.PMCompleted, state.Status)
	require.Equal(t, int64(10), state.LastGlobalPosition)
	require.Equal(t, 1, state.CommandsEmitted)
	require.Zero(t, state.CommandsFailed)
	require.Equal(t, "evt-1", state.TriggerEventID)
	require.Equal(t, "corr-evt-1", state.CorrelationID)

	envs := f.dispatcher.dispatched()
	require.Len(t, envs, 1)
	require.Equal(t, "CreateShipment", envs[0].CommandType)
	require.Equal(t, "corr-evt-1", envs[0].CorrelationID)
	require.Equal(t, "evt-1", envs[0].CausationID)
}

func TestPMSkipsStaleEvents(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	var handled int
	var mu sync.Mutex
	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			mu.Lock()
			handled++
			mu.Unlock()
			return nil, nil
		})))

	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))
	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, 1, handled)
	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, saga.PMCompleted, state.Status)
}

func TestPMRetriesAfterTransientHandlerFailure(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	var attempts int
	var mu sync.Mutex
	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, errors.New("warehouse unavailable")
			}
			return nil, nil
		})))

	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	require.Equal(t, 2, attempts)
	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, saga.PMCompleted, state.Status)
	require.Empty(t, state.ErrorMessage)
}

func TestPMExhaustedRetriesLeaveInstanceFailed(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			return nil, errors.New("warehouse unavailable")
		})))

	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, saga.PMFailed, state.Status)
	require.Equal(t, "warehouse unavailable", state.ErrorMessage)
	require.Zero(t, state.LastGlobalPosition)
}

func TestPMDispatchFailureCountsAndFails(t *testing.T) {
	f := newPMFixture(t)
	f.dispatcher.err = errors.New("bus unavailable")
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, evt *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			return []*command.Envelope{{CommandType: "CreateShipment", TargetContext: "shipping", Payload: evt.Payload}}, nil
		})))

	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, saga.PMFailed, state.Status)
	require.Contains(t, state.ErrorMessage, "bus unavailable")
	require.NotZero(t, state.CommandsFailed)
}

func TestPMTransitionResetClearsFailure(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			return nil, errors.New("warehouse unavailable")
		})))
	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	state, err := f.manager.Transition(ctx, "shipment", "ord-1", saga.PMReset)
	require.NoError(t, err)
	require.Equal(t, saga.PMIdle, state.Status)
	require.Empty(t, state.ErrorMessage)
}

func TestPMInvalidTransitionNamesValidEvents(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, _ *saga.PMState) ([]*command.Envelope, error) {
			return nil, nil
		})))
	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	_, err := f.manager.Transition(ctx, "shipment", "ord-1", saga.PMFail)
	require.ErrorContains(t, err, "invalid transition")
	require.ErrorContains(t, err, "RESET")

	_, err = f.manager.Transition(ctx, "shipment", "missing", saga.PMReset)
	require.ErrorIs(t, err, saga.ErrPMStateNotFound)
}

func TestPMStateVersionIncrementsOnSave(t *testing.T) {
	f := newPMFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Register(shipmentPM(
		func(_ context.Context, _ *eventstore.Event, state *saga.PMState) ([]*command.Envelope, error) {
			state.CustomState = json.RawMessage(`{"carrier":"ups"}`)
			return nil, nil
		})))
	require.NoError(t, f.manager.EventAppended(ctx, shipmentEvent("evt-1", 10)))
	require.NoError(t, f.pool.Drain(ctx))

	state, err := f.manager.State(ctx, "shipment", "ord-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), state.StateVersion)
	require.JSONEq(t, `{"carrier":"ups"}`, string(state.CustomState))
}
