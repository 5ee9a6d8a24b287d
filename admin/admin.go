// Package admin is the internal operator surface of the runtime: projection
// rebuilds, poison event review, agent dead letter review, approval expiry
// sweeps and circuit breaker controls. It is a facade over the runtime
// engines; nothing here is reachable from domain code, and test-only
// operations sit behind a Guard so they cannot fire in production.
package admin

import (
	"context"
	"errors"

	"goa.design/sourced/runtime/agent"
	"goa.design/sourced/runtime/breaker"
	"goa.design/sourced/runtime/projection"
	"goa.design/sourced/runtime/replay"
	"goa.design/sourced/runtime/telemetry"
)

type (
	// Options configures the admin surface.
	Options struct {
		// Replays drives projection rebuilds. Required.
		Replays *replay.Engine
		// Projections owns poison events and checkpoints. Required.
		Projections *projection.Engine
		// Agents owns agent dead letters and approvals. Required.
		Agents *agent.Runtime
		// Breakers is the named circuit breaker set. Required.
		Breakers *breaker.Set
		// Guard gates test-only operations. Defaults to the production guard.
		Guard *Guard
		// Logger emits operator action logs. Defaults to no-op.
		Logger telemetry.Logger
	}

	// Surface exposes the operator API.
	Surface struct {
		replays     *replay.Engine
		projections *projection.Engine
		agents      *agent.Runtime
		breakers    *breaker.Set
		guard       *Guard
		logger      telemetry.Logger
	}
)

// New constructs the admin surface.
func New(opts Options) (*Surface, error) {
	if opts.Replays == nil {
		return nil, errors.New("replay engine is required")
	}
	if opts.Projections == nil {
		return nil, errors.New("projection engine is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agent runtime is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("breaker set is required")
	}
	if opts.Guard == nil {
		opts.Guard = &Guard{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Surface{
		replays:     opts.Replays,
		projections: opts.Projections,
		agents:      opts.Agents,
		breakers:    opts.Breakers,
		guard:       opts.Guard,
		logger:      opts.Logger,
	}, nil
}

// TriggerRebuild starts a projection rebuild from fromPosition (exclusive, 0
// replays everything).
func (s *Surface) TriggerRebuild(ctx context.Context, projectionName string, fromPosition int64, chunkSize int) (*replay.Checkpoint, error) {
	s.logger.Info(ctx, "rebuild triggered", "projection", projectionName, "from_position", fromPosition)
	return s.replays.TriggerRebuild(ctx, projectionName, fromPosition, chunkSize)
}

// CancelRebuild stops a running or paused rebuild.
func (s *Surface) CancelRebuild(ctx context.Context, replayID string) error {
	s.logger.Info(ctx, "rebuild cancelled", "replay_id", replayID)
	return s.replays.CancelRebuild(ctx, replayID)
}

// RebuildStatus reports the progress of one rebuild.
func (s *Surface) RebuildStatus(ctx context.Context, replayID string) (*replay.RebuildStatus, error) {
	return s.replays.Status(ctx, replayID)
}

// ListActiveRebuilds returns the running rebuild checkpoints.
func (s *Surface) ListActiveRebuilds(ctx context.Context) ([]*replay.Checkpoint, error) {
	return s.replays.ListByStatus(ctx, replay.StatusRunning)
}

// ReplayPoisonEvent re-runs a quarantined event through its projection.
func (s *Surface) ReplayPoisonEvent(ctx context.Context, projectionName, eventID, resolvedBy, notes string) error {
	s.logger.Info(ctx, "poison event replayed",
		"projection", projectionName, "event_id", eventID, "resolved_by", resolvedBy)
	return s.projections.ReplayPoison(ctx, projectionName, eventID, resolvedBy, notes)
}

// IgnorePoisonEvent permanently skips a quarantined event for its projection.
func (s *Surface) IgnorePoisonEvent(ctx context.Context, projectionName, eventID, resolvedBy, notes string) error {
	s.logger.Info(ctx, "poison event ignored",
		"projection", projectionName, "event_id", eventID, "resolved_by", resolvedBy)
	return s.projections.IgnorePoison(ctx, projectionName, eventID, resolvedBy, notes)
}

// ListQuarantined returns quarantined poison events, optionally filtered by
// projection.
func (s *Surface) ListQuarantined(ctx context.Context, projectionName string) ([]*projection.PoisonEvent, error) {
	return s.projections.Quarantined(ctx, projectionName)
}

// AgentDeadLetters lists agent dead letters filtered by agent and status.
// Empty arguments match everything.
func (s *Surface) AgentDeadLetters(ctx context.Context, agentID string, status agent.DeadLetterStatus) ([]*agent.DeadLetter, error) {
	return s.agents.DeadLetters(ctx, agentID, status)
}

// RetryAgentDeadLetter re-runs a pending agent dead letter's event.
func (s *Surface) RetryAgentDeadLetter(ctx context.Context, id string) error {
	s.logger.Info(ctx, "agent dead letter retried", "dead_letter_id", id)
	return s.agents.ReplayDeadLetter(ctx, id)
}

// IgnoreAgentDeadLetter dismisses a pending agent dead letter.
func (s *Surface) IgnoreAgentDeadLetter(ctx context.Context, id string) error {
	s.logger.Info(ctx, "agent dead letter ignored", "dead_letter_id", id)
	return s.agents.IgnoreDeadLetter(ctx, id)
}

// SweepExpiredApprovals force-expires pending approvals past their deadline
// and returns how many were expired.
func (s *Surface) SweepExpiredApprovals(ctx context.Context) (int, error) {
	n, err := s.agents.SweepExpiredApprovals(ctx)
	if n > 0 {
		s.logger.Info(ctx, "expired approvals swept", "count", n)
	}
	return n, err
}

// ResetCircuit closes a named circuit breaker and clears its counters.
func (s *Surface) ResetCircuit(ctx context.Context, name string) {
	s.logger.Info(ctx, "circuit reset", "name", name)
	s.breakers.Reset(name)
}

// CircuitState returns the current state of a named breaker.
func (s *Surface) CircuitState(name string) breaker.State {
	return s.breakers.Get(name).State()
}

// CircuitStates snapshots every known breaker.
func (s *Surface) CircuitStates() map[string]breaker.State {
	return s.breakers.States()
}

// ForceExpireApproval expires a pending approval regardless of its deadline.
// Test-only: fixtures use it to exercise expiry paths without advancing the
// clock.
func (s *Surface) ForceExpireApproval(ctx context.Context, approvalID string) error {
	if err := s.guard.AllowTestOnly(); err != nil {
		return err
	}
	s.logger.Info(ctx, "approval force-expired", "approval_id", approvalID)
	return s.agents.ExpireApproval(ctx, approvalID)
}
