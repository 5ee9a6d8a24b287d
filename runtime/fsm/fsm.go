// Package fsm provides small, declarative finite state machines used across
// the runtime: entity status graphs (orders, reservations, approvals) are
// expressed as state-to-states tables while event-driven lifecycles (process
// managers, agents) use event tables. Machines are immutable after Define and
// safe for concurrent use.
package fsm

import (
	"fmt"
	"sort"
)

type (
	// Config declares a state machine as a map from each state to the states
	// it may transition to. States absent from the map are terminal.
	Config[S ~string] struct {
		// Initial is the state new instances start in.
		Initial S
		// Transitions maps a state to the set of states reachable from it.
		Transitions map[S][]S
	}

	// Machine is a state-to-state transition graph built by Define.
	Machine[S ~string] struct {
		initial     S
		transitions map[S]map[S]struct{}
	}

	// EventMachine is an event-driven state machine built by DefineEvents.
	// Lookups are total: Next returns ok=false for unknown pairs and never
	// panics.
	EventMachine[S ~string, E ~string] struct {
		initial S
		table   map[S]map[E]S
	}

	// InvalidTransitionError reports a rejected transition along with the set
	// of transitions valid from the current state.
	InvalidTransitionError[S ~string] struct {
		From  S
		To    S
		Valid []S
	}
)

// Error implements error.
func (e *InvalidTransitionError[S]) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (valid: %v)", e.From, e.To, e.Valid)
}

// Define builds a Machine from the given configuration.
func Define[S ~string](cfg Config[S]) *Machine[S] {
	transitions := make(map[S]map[S]struct{}, len(cfg.Transitions))
	for from, tos := range cfg.Transitions {
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		transitions[from] = set
	}
	return &Machine[S]{initial: cfg.Initial, transitions: transitions}
}

// Initial returns the machine's initial state.
func (m *Machine[S]) Initial() S { return m.initial }

// CanTransition reports whether from -> to is a declared transition.
func (m *Machine[S]) CanTransition(from, to S) bool {
	set, ok := m.transitions[from]
	if !ok {
		return false
	}
	_, ok = set[to]
	return ok
}

// AssertTransition returns an InvalidTransitionError when from -> to is not
// declared, nil otherwise.
func (m *Machine[S]) AssertTransition(from, to S) error {
	if m.CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError[S]{From: from, To: to, Valid: m.ValidTransitions(from)}
}

// ValidTransitions returns the sorted set of states reachable from the given
// state. Terminal states return an empty slice.
func (m *Machine[S]) ValidTransitions(from S) []S {
	set, ok := m.transitions[from]
	if !ok {
		return nil
	}
	out := make([]S, 0, len(set))
	for to := range set {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether no transitions are declared from the state.
func (m *Machine[S]) IsTerminal(s S) bool {
	set, ok := m.transitions[s]
	return !ok || len(set) == 0
}

// DefineEvents builds an EventMachine from an initial state and an event
// table mapping (state, event) pairs to the resulting state.
func DefineEvents[S ~string, E ~string](initial S, table map[S]map[E]S) *EventMachine[S, E] {
	copied := make(map[S]map[E]S, len(table))
	for from, events := range table {
		row := make(map[E]S, len(events))
		for ev, to := range events {
			row[ev] = to
		}
		copied[from] = row
	}
	return &EventMachine[S, E]{initial: initial, table: copied}
}

// Initial returns the machine's initial state.
func (m *EventMachine[S, E]) Initial() S { return m.initial }

// Next returns the state reached by applying event to from. The second return
// is false when the pair is not in the table; Next never panics.
func (m *EventMachine[S, E]) Next(from S, event E) (S, bool) {
	row, ok := m.table[from]
	if !ok {
		var zero S
		return zero, false
	}
	to, ok := row[event]
	if !ok {
		var zero S
		return zero, false
	}
	return to, true
}

// AssertNext is the raising variant of Next: it returns an error naming the
// valid events from the current state when the pair is invalid.
func (m *EventMachine[S, E]) AssertNext(from S, event E) (S, error) {
	to, ok := m.Next(from, event)
	if !ok {
		var zero S
		return zero, fmt.Errorf("invalid transition: event %s not valid in state %s (valid: %v)",
			event, from, m.ValidEvents(from))
	}
	return to, nil
}

// ValidEvents returns the sorted set of events accepted in the given state.
func (m *EventMachine[S, E]) ValidEvents(from S) []E {
	row, ok := m.table[from]
	if !ok {
		return nil
	}
	out := make([]E, 0, len(row))
	for ev := range row {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether no events are accepted in the state.
func (m *EventMachine[S, E]) IsTerminal(s S) bool {
	row, ok := m.table[s]
	return !ok || len(row) == 0
}
