package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/sourced/runtime/eventstore"
)

// ApplyLifecycleCommand maps a lifecycle command type to its event and
// applies it to the agent's checkpoint. The command match is case-sensitive;
// unknown command types are an error.
func (r *Runtime) ApplyLifecycleCommand(ctx context.Context, agentID, commandType string, overrides json.RawMessage) (Status, error) {
	event, ok := EventForCommand(commandType)
	if !ok {
		return "", fmt.Errorf("unknown lifecycle command %q", commandType)
	}
	return r.transition(ctx, agentID, event, overrides)
}

// Transition applies a lifecycle event directly, for operator tooling and
// error recovery.
func (r *Runtime) Transition(ctx context.Context, agentID string, event LifecycleEvent) (Status, error) {
	return r.transition(ctx, agentID, event, nil)
}

func (r *Runtime) transition(ctx context.Context, agentID string, event LifecycleEvent, overrides json.RawMessage) (Status, error) {
	r.mu.RLock()
	_, registered := r.agents[agentID]
	r.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	cp, err := r.checkpoints.Get(ctx, agentID)
	if errors.Is(err, ErrCheckpointNotFound) {
		cp = &Checkpoint{
			AgentID:        agentID,
			SubscriptionID: subscriptionID(agentID),
			Status:         lifecycle.Initial(),
		}
		err = nil
	}
	if err != nil {
		return "", err
	}
	next, err := AssertStatus(cp.Status, event)
	if err != nil {
		return "", err
	}
	cp.Status = next
	if event == LifecycleReconfigure && overrides != nil {
		cp.ConfigOverrides = overrides
	}
	cp.UpdatedAt = r.now().UTC()
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		return "", err
	}
	if typ, ok := auditTypeForEvent[event]; ok {
		r.auditRecord(ctx, agentID, "", typ, map[string]any{"status": next})
	}
	return next, nil
}

// ReplayDeadLetter re-runs a pending dead letter's event through the agent
// pipeline and marks it replayed on success.
func (r *Runtime) ReplayDeadLetter(ctx context.Context, id string) error {
	dl, err := r.deadLetters.Get(ctx, id)
	if err != nil {
		return err
	}
	if dl.Status != DeadLetterPending {
		return fmt.Errorf("dead letter %s is %s, not pending", id, dl.Status)
	}
	r.mu.RLock()
	reg, ok := r.agents[dl.AgentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, dl.AgentID)
	}
	evt, err := r.eventAt(ctx, dl.GlobalPosition, dl.EventID)
	if err != nil {
		return err
	}
	if err := r.process(ctx, reg, evt); err != nil {
		return fmt.Errorf("replay dead letter %s: %w", id, err)
	}
	return r.deadLetters.SetStatus(ctx, id, DeadLetterReplayed, r.now().UTC())
}

// IgnoreDeadLetter dismisses a pending dead letter.
func (r *Runtime) IgnoreDeadLetter(ctx context.Context, id string) error {
	dl, err := r.deadLetters.Get(ctx, id)
	if err != nil {
		return err
	}
	if dl.Status != DeadLetterPending {
		return fmt.Errorf("dead letter %s is %s, not pending", id, dl.Status)
	}
	return r.deadLetters.SetStatus(ctx, id, DeadLetterIgnored, r.now().UTC())
}

// DeadLetters lists dead letters filtered by agent and status. Empty
// arguments match everything.
func (r *Runtime) DeadLetters(ctx context.Context, agentID string, status DeadLetterStatus) ([]*DeadLetter, error) {
	return r.deadLetters.List(ctx, agentID, status)
}

// AuditTrail returns an agent's audit events in timestamp order.
func (r *Runtime) AuditTrail(ctx context.Context, agentID string) ([]*AuditEvent, error) {
	return r.audit.List(ctx, agentID)
}

// eventAt resolves a dead letter's event from the store by position and ID.
func (r *Runtime) eventAt(ctx context.Context, globalPosition int64, eventID string) (*eventstore.Event, error) {
	events, err := r.events.ReadFromPosition(ctx, globalPosition-1, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || events[0].ID != eventID {
		return nil, fmt.Errorf("event %s at position %d not found", eventID, globalPosition)
	}
	return events[0], nil
}
