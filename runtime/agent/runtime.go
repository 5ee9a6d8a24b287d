package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/agent/model"
	"goa.design/sourced/runtime/command"
	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
)

// agentComponent names the workpool component agent tasks target.
const agentComponent = "agent"

var agentTarget = workpool.Target{Component: agentComponent, Operation: "handle"}

type (
	// Dispatcher routes agent-emitted commands. The command bus satisfies it.
	Dispatcher interface {
		Dispatch(ctx context.Context, env *command.Envelope) (*command.Result, error)
	}

	// Options configures the agent runtime.
	Options struct {
		// Pool serializes agent work per stream. Required.
		Pool *workpool.Pool
		// Events supplies entity history. Required.
		Events eventstore.Store
		// Checkpoints persists agent checkpoints. Required.
		Checkpoints CheckpointStore
		// Approvals persists pending approvals. Required.
		Approvals ApprovalStore
		// DeadLetters persists agent dead letters. Required.
		DeadLetters DeadLetterStore
		// Audit is the append-only audit trail. Required.
		Audit AuditStore
		// Spend tracks per-day model spend. Required.
		Spend SpendStore
		// Commands routes emitted commands. Required.
		Commands Dispatcher
		// Backend is the default model backend. Defaults to the mock.
		Backend model.Backend
		// Costs maps model identifiers to pricing. Defaults to
		// model.DefaultCosts.
		Costs map[string]model.Cost
		// Logger emits agent logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Runtime hosts registered agents: it subscribes them to the event
	// stream, runs the decision pipeline on the workpool, and owns the
	// approval, lifecycle, dead-letter and budget surfaces.
	Runtime struct {
		pool        *workpool.Pool
		events      eventstore.Store
		checkpoints CheckpointStore
		approvals   ApprovalStore
		deadLetters DeadLetterStore
		audit       AuditStore
		spend       SpendStore
		commands    Dispatcher
		backend     model.Backend
		costs       map[string]model.Cost
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time

		mu     sync.RWMutex
		agents map[string]*registration
	}

	// registration is a validated Config with its windows pre-parsed.
	registration struct {
		cfg             *Config
		window          time.Duration
		approvalTimeout time.Duration
	}

	taskArgs struct {
		Agent string            `json:"agent"`
		Event *eventstore.Event `json:"event"`
	}
)

// NewRuntime constructs the agent runtime and registers its task handler on
// the pool.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Pool == nil {
		return nil, errors.New("workpool is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event store is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.Approvals == nil {
		return nil, errors.New("approval store is required")
	}
	if opts.DeadLetters == nil {
		return nil, errors.New("dead letter store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit store is required")
	}
	if opts.Spend == nil {
		return nil, errors.New("spend store is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("command dispatcher is required")
	}
	if opts.Backend == nil {
		opts.Backend = &model.Mock{}
	}
	if opts.Costs == nil {
		opts.Costs = model.DefaultCosts
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runtime{
		pool:        opts.Pool,
		events:      opts.Events,
		checkpoints: opts.Checkpoints,
		approvals:   opts.Approvals,
		deadLetters: opts.DeadLetters,
		audit:       opts.Audit,
		spend:       opts.Spend,
		commands:    opts.Commands,
		backend:     opts.Backend,
		costs:       opts.Costs,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		agents:      make(map[string]*registration),
	}
	if err := opts.Pool.Register(agentTarget, r.handleTask); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds an agent. Pattern window and approval timeout formats are
// validated here so misconfiguration fails at startup, not per event.
func (r *Runtime) Register(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.AgentID == "" {
		return errors.New("agent ID is required")
	}
	if len(cfg.EventTypes) == 0 {
		return errors.New("agent needs at least one event type")
	}
	if cfg.OnEvent == nil {
		return errors.New("OnEvent is required")
	}
	if cfg.PartitionKey == nil {
		cfg.PartitionKey = func(evt *eventstore.Event) string { return evt.StreamID }
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.PatternWindow.EventLimit <= 0 {
		cfg.PatternWindow.EventLimit = 100
	}
	if cfg.ApprovalTimeout == "" {
		cfg.ApprovalTimeout = "24h"
	}
	window, err := ParsePatternWindow(cfg.PatternWindow.Duration)
	if err != nil {
		return err
	}
	timeout, err := ParseApprovalTimeout(cfg.ApprovalTimeout)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[cfg.AgentID]; ok {
		return fmt.Errorf("agent %s already registered", cfg.AgentID)
	}
	r.agents[cfg.AgentID] = &registration{cfg: cfg, window: window, approvalTimeout: timeout}
	return nil
}

// EventAppended enqueues a handling task for every agent subscribed to the
// event's type, in priority order. Tasks for one agent and stream share a
// partition, so handling is per-stream ordered. It implements the
// orchestrator's Subscriber.
func (r *Runtime) EventAppended(ctx context.Context, evt *eventstore.Event) error {
	r.mu.RLock()
	var matched []*registration
	for _, reg := range r.agents {
		if slices.Contains(reg.cfg.EventTypes, evt.Type) {
			matched = append(matched, reg)
		}
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].cfg.Priority != matched[j].cfg.Priority {
			return matched[i].cfg.Priority < matched[j].cfg.Priority
		}
		return matched[i].cfg.AgentID < matched[j].cfg.AgentID
	})

	for _, reg := range matched {
		partition := "agent:" + reg.cfg.AgentID + ":" + reg.cfg.PartitionKey(evt)
		_, err := r.pool.Enqueue(ctx, agentTarget, &taskArgs{Agent: reg.cfg.AgentID, Event: evt}, workpool.EnqueueOptions{
			PartitionKey: partition,
			MaxAttempts:  1,
		})
		if err != nil {
			return fmt.Errorf("enqueue agent task: %w", err)
		}
	}
	return nil
}

// Checkpoint returns an agent's checkpoint.
func (r *Runtime) Checkpoint(ctx context.Context, agentID string) (*Checkpoint, error) {
	return r.checkpoints.Get(ctx, agentID)
}

// handleTask runs one event through one agent. Failures at any pipeline step
// become pending dead letters rather than workpool retries.
func (r *Runtime) handleTask(ctx context.Context, args json.RawMessage) error {
	var ta taskArgs
	if err := json.Unmarshal(args, &ta); err != nil {
		return fmt.Errorf("decode agent task: %w", err)
	}
	r.mu.RLock()
	reg, ok := r.agents[ta.Agent]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, ta.Agent)
	}
	if err := r.process(ctx, reg, ta.Event); err != nil {
		r.recordDeadLetter(ctx, reg, ta.Event, err)
	}
	return nil
}

// process is the decision pipeline: checkpoint gate, history window,
// minEvents gate, decider, checkpoint advance, interpretation.
func (r *Runtime) process(ctx context.Context, reg *registration, evt *eventstore.Event) error {
	cfg := reg.cfg
	cp, err := r.checkpoints.Get(ctx, cfg.AgentID)
	if errors.Is(err, ErrCheckpointNotFound) {
		cp = &Checkpoint{
			AgentID:        cfg.AgentID,
			SubscriptionID: subscriptionID(cfg.AgentID),
			Status:         lifecycle.Initial(),
		}
		err = nil
	}
	if err != nil {
		return err
	}
	if cp.Status != StatusActive {
		r.logger.Info(ctx, "agent not active, skipping event",
			"agent_id", cfg.AgentID, "status", cp.Status, "event_id", evt.ID)
		return nil
	}
	if evt.GlobalPosition <= cp.LastProcessedPosition {
		return nil
	}

	history, err := r.loadHistory(ctx, reg, evt)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) < cfg.PatternWindow.MinEvents {
		return r.advance(ctx, cp, evt)
	}

	if cfg.DailyBudget > 0 {
		if err := r.checkBudget(ctx, cfg); err != nil {
			return err
		}
	}

	decision, err := cfg.OnEvent(ctx, &ExecutionContext{
		Agent:      cfg,
		Event:      evt,
		History:    history,
		Checkpoint: cp,
		Backend:    r.backend,
	})
	if err != nil {
		return fmt.Errorf("agent decider: %w", err)
	}

	if err := r.advance(ctx, cp, evt); err != nil {
		return err
	}
	if decision != nil {
		r.recordSpend(ctx, cfg, decision.Usage)
	}
	if decision == nil || decision.Command == nil {
		return nil
	}
	return r.interpret(ctx, reg, evt, decision)
}

// loadHistory reads the newest eventLimit events of the entity's stream and
// keeps those inside the pattern window ending at the trigger event's
// timestamp. Reading the tail matters on long streams: the window holds the
// most recent events, so fetching from version 0 would return only
// pre-cutoff history.
func (r *Runtime) loadHistory(ctx context.Context, reg *registration, evt *eventstore.Event) ([]*eventstore.Event, error) {
	limit := reg.cfg.PatternWindow.EventLimit
	version, err := r.events.StreamVersion(ctx, evt.StreamType, evt.StreamID)
	if err != nil {
		return nil, err
	}
	from := version - int64(limit)
	if from < 0 {
		from = 0
	}
	events, err := r.events.ReadStream(ctx, evt.StreamType, evt.StreamID, from, limit)
	if err != nil && !errors.Is(err, eventstore.ErrStreamNotFound) {
		return nil, err
	}
	cutoff := evt.Timestamp.Add(-reg.window)
	filtered := events[:0]
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// advance moves the checkpoint past the event.
func (r *Runtime) advance(ctx context.Context, cp *Checkpoint, evt *eventstore.Event) error {
	cp.LastProcessedPosition = evt.GlobalPosition
	cp.LastEventID = evt.ID
	cp.EventsProcessed++
	cp.UpdatedAt = r.now().UTC()
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	r.auditRecord(ctx, cp.AgentID, "", AuditCheckpointUpdated, map[string]any{
		"last_processed_position": cp.LastProcessedPosition,
		"events_processed":        cp.EventsProcessed,
	})
	return nil
}

func (r *Runtime) checkBudget(ctx context.Context, cfg *Config) error {
	spend, err := r.spend.Get(ctx, cfg.AgentID, r.day())
	if err != nil {
		return fmt.Errorf("load spend: %w", err)
	}
	verdict := CheckBudget(&BudgetTracker{
		AgentID:        cfg.AgentID,
		DailyBudget:    cfg.DailyBudget,
		AlertThreshold: cfg.AlertThreshold,
		CurrentSpend:   spend,
	}, cfg.EstimatedCost)
	if verdict.AtAlertThreshold {
		r.logger.Warn(ctx, "agent spend at alert threshold",
			"agent_id", cfg.AgentID, "current_spend", verdict.CurrentSpend, "daily_budget", verdict.DailyBudget)
	}
	if !verdict.Allowed {
		r.metrics.IncCounter("agent.budget_denied", 1, "agent_id", cfg.AgentID)
		return fmt.Errorf("%w: spend %.4f of %.4f", ErrBudgetExceeded, verdict.CurrentSpend, verdict.DailyBudget)
	}
	return nil
}

func (r *Runtime) recordSpend(ctx context.Context, cfg *Config, usage model.Usage) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return
	}
	cost := model.EstimateUsage(usage, r.costs[cfg.Model])
	if cost <= 0 {
		return
	}
	if _, err := r.spend.Add(ctx, cfg.AgentID, r.day(), cost); err != nil {
		r.logger.Error(ctx, "failed to record agent spend", "agent_id", cfg.AgentID, "err", err)
	}
}

// interpret turns a decision carrying a command into either a pending
// approval or a routed command.
func (r *Runtime) interpret(ctx context.Context, reg *registration, evt *eventstore.Event, decision *Decision) error {
	cfg := reg.cfg
	now := r.now().UTC()
	decisionID := NewDecisionID(now)
	r.auditRecord(ctx, cfg.AgentID, decisionID, AuditPatternDetected, map[string]any{
		"event_id":   evt.ID,
		"command":    decision.Command.CommandType,
		"confidence": decision.Confidence,
		"reason":     decision.Reason,
	})

	needsApproval := decision.RequiresApproval ||
		shouldRequireApproval(cfg.HumanInLoop, decision.Command.CommandType, decision.Confidence)
	if !needsApproval {
		r.auditRecord(ctx, cfg.AgentID, decisionID, AuditCommandEmitted, map[string]any{
			"command": decision.Command.CommandType,
		})
		return r.route(ctx, cfg.AgentID, decisionID, decision.Command)
	}

	payload, err := json.Marshal(decision.Command)
	if err != nil {
		return fmt.Errorf("encode approval action: %w", err)
	}
	pa := &PendingApproval{
		ApprovalID:  correlation.NewID(),
		AgentID:     cfg.AgentID,
		DecisionID:  decisionID,
		Action:      Action{Type: decision.Command.CommandType, Payload: payload},
		Confidence:  decision.Confidence,
		Reason:      decision.Reason,
		Status:      ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(reg.approvalTimeout),
	}
	if err := r.approvals.Insert(ctx, pa); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	r.auditRecord(ctx, cfg.AgentID, decisionID, AuditApprovalRequested, map[string]any{
		"approval_id": pa.ApprovalID,
		"command":     pa.Action.Type,
		"expires_at":  pa.ExpiresAt,
	})
	r.metrics.IncCounter("agent.approval_requested", 1, "agent_id", cfg.AgentID)
	return nil
}

// route dispatches an agent command through the bus.
func (r *Runtime) route(ctx context.Context, agentID, decisionID string, env *command.Envelope) error {
	res, err := r.commands.Dispatch(ctx, env)
	if err == nil && res.Status != command.ResultSuccess {
		err = fmt.Errorf("command %s: %s (%s)", env.CommandType, res.Status, res.Code)
	}
	if err != nil {
		r.auditRecord(ctx, agentID, decisionID, AuditAgentCommandRoutingFailed, map[string]any{
			"command": env.CommandType,
			"error":   SanitizeError(err.Error()),
		})
		return fmt.Errorf("route command: %w", err)
	}
	r.auditRecord(ctx, agentID, decisionID, AuditAgentCommandRouted, map[string]any{
		"command": env.CommandType,
	})
	r.metrics.IncCounter("agent.command_routed", 1, "agent_id", agentID)
	return nil
}

// shouldRequireApproval applies the human-in-the-loop policy: explicit
// requires list wins, then the auto-approve list, then the confidence
// threshold.
func shouldRequireApproval(hil HumanInLoop, commandType string, confidence float64) bool {
	if slices.Contains(hil.RequiresApproval, commandType) {
		return true
	}
	if slices.Contains(hil.AutoApprove, commandType) {
		return false
	}
	threshold := hil.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.9
	}
	return confidence < threshold
}

func (r *Runtime) recordDeadLetter(ctx context.Context, reg *registration, evt *eventstore.Event, cause error) {
	dl := &DeadLetter{
		ID:             correlation.NewID(),
		AgentID:        reg.cfg.AgentID,
		SubscriptionID: subscriptionID(reg.cfg.AgentID),
		EventID:        evt.ID,
		GlobalPosition: evt.GlobalPosition,
		Error:          SanitizeError(cause.Error()),
		AttemptCount:   1,
		Status:         DeadLetterPending,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.deadLetters.Insert(ctx, dl); err != nil {
		r.logger.Error(ctx, "failed to record agent dead letter",
			"agent_id", reg.cfg.AgentID, "event_id", evt.ID, "err", err)
		return
	}
	r.auditRecord(ctx, reg.cfg.AgentID, "", AuditDeadLetterRecorded, map[string]any{
		"dead_letter_id": dl.ID,
		"event_id":       evt.ID,
		"error":          dl.Error,
	})
	r.metrics.IncCounter("agent.dead_letter", 1, "agent_id", reg.cfg.AgentID)
}

func (r *Runtime) auditRecord(ctx context.Context, agentID, decisionID string, typ AuditType, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := r.audit.Append(ctx, &AuditEvent{
		AgentID:    agentID,
		DecisionID: decisionID,
		Type:       typ,
		Timestamp:  r.now().UTC(),
		Payload:    raw,
	}); err != nil {
		r.logger.Error(ctx, "failed to append audit event", "agent_id", agentID, "type", typ, "err", err)
	}
}

func (r *Runtime) day() string {
	return r.now().UTC().Format("2006-01-02")
}

func subscriptionID(agentID string) string { return "sub:" + agentID }
