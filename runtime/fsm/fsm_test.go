package fsm_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/fsm"
)

type orderStatus string

const (
	orderDraft     orderStatus = "draft"
	orderSubmitted orderStatus = "submitted"
	orderShipped   orderStatus = "shipped"
	orderCancelled orderStatus = "cancelled"
)

func orderMachine() *fsm.Machine[orderStatus] {
	return fsm.Define(fsm.Config[orderStatus]{
		Initial: orderDraft,
		Transitions: map[orderStatus][]orderStatus{
			orderDraft:     {orderSubmitted, orderCancelled},
			orderSubmitted: {orderShipped, orderCancelled},
		},
	})
}

func TestMachineCanTransition(t *testing.T) {
	m := orderMachine()
	require.Equal(t, orderDraft, m.Initial())
	require.True(t, m.CanTransition(orderDraft, orderSubmitted))
	require.True(t, m.CanTransition(orderSubmitted, orderCancelled))
	require.False(t, m.CanTransition(orderShipped, orderDraft))
	require.False(t, m.CanTransition(orderCancelled, orderSubmitted))
}

func TestMachineAssertTransitionReportsValidSet(t *testing.T) {
	m := orderMachine()
	err := m.AssertTransition(orderDraft, orderShipped)
	require.Error(t, err)
	var ite *fsm.InvalidTransitionError[orderStatus]
	require.ErrorAs(t, err, &ite)
	require.Equal(t, orderDraft, ite.From)
	require.Equal(t, orderShipped, ite.To)
	require.Equal(t, []orderStatus{orderCancelled, orderSubmitted}, ite.Valid)
	require.NoError(t, m.AssertTransition(orderDraft, orderSubmitted))
}

func TestMachineIsTerminal(t *testing.T) {
	m := orderMachine()
	require.False(t, m.IsTerminal(orderDraft))
	require.True(t, m.IsTerminal(orderShipped))
	require.True(t, m.IsTerminal(orderCancelled))
}

func TestEventMachineNext(t *testing.T) {
	m := fsm.DefineEvents("idle", map[string]map[string]string{
		"idle":       {"START": "processing"},
		"processing": {"SUCCESS": "completed", "FAIL": "failed"},
		"completed":  {"RESET": "idle"},
		"failed":     {"RETRY": "processing", "RESET": "idle"},
	})

	next, ok := m.Next("idle", "START")
	require.True(t, ok)
	require.Equal(t, "processing", next)

	_, ok = m.Next("completed", "START")
	require.False(t, ok)

	_, err := m.AssertNext("completed", "START")
	require.ErrorContains(t, err, "invalid transition")
	require.Equal(t, []string{"RESET"}, m.ValidEvents("completed"))
}

// TestEventMachineTotalityProperty verifies that Next is total: for any
// (state, event) pair, including pairs outside the declared table, it returns
// either a declared target state or ok=false, and never panics.
func TestEventMachineTotalityProperty(t *testing.T) {
	m := fsm.DefineEvents("idle", map[string]map[string]string{
		"idle":       {"START": "processing"},
		"processing": {"SUCCESS": "completed", "FAIL": "failed"},
		"completed":  {"RESET": "idle"},
		"failed":     {"RETRY": "processing", "RESET": "idle"},
	})
	states := []string{"idle", "processing", "completed", "failed", "bogus", ""}
	events := []string{"START", "SUCCESS", "FAIL", "RETRY", "RESET", "NOPE", ""}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Next returns a declared state or ok=false", prop.ForAll(
		func(si, ei int) bool {
			state := states[si%len(states)]
			event := events[ei%len(events)]
			next, ok := m.Next(state, event)
			if !ok {
				return next == ""
			}
			declared := false
			for _, s := range []string{"idle", "processing", "completed", "failed"} {
				if next == s {
					declared = true
				}
			}
			return declared
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
