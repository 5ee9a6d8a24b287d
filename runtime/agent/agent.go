// Package agent implements the event-driven agent bounded context: agents
// subscribe to the platform event stream, detect patterns (optionally via an
// LLM backend), and either emit commands through the bus or raise pending
// approvals for human review. The package owns agent checkpoints, the
// lifecycle state machine, approval workflow, dead letters, cost budgets and
// the audit trail.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/sourced/runtime/agent/model"
	"goa.design/sourced/runtime/command"
	"goa.design/sourced/runtime/eventstore"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	// StatusStopped means the agent processes nothing.
	StatusStopped Status = "stopped"
	// StatusActive means the agent processes matching events.
	StatusActive Status = "active"
	// StatusPaused means processing is suspended but resumable.
	StatusPaused Status = "paused"
	// StatusErrorRecovery means the agent is recovering from repeated
	// failures and processes nothing until recovered or stopped.
	StatusErrorRecovery Status = "error_recovery"
)

// ApprovalStatus is the state of a pending approval.
type ApprovalStatus string

const (
	// ApprovalPending awaits review.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved means a reviewer granted the action.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected means a reviewer declined the action.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalExpired means the approval timed out unreviewed.
	ApprovalExpired ApprovalStatus = "expired"
)

// DeadLetterStatus is the review state of an agent dead letter.
type DeadLetterStatus string

const (
	// DeadLetterPending awaits review.
	DeadLetterPending DeadLetterStatus = "pending"
	// DeadLetterReplayed means the event was re-run through the agent.
	DeadLetterReplayed DeadLetterStatus = "replayed"
	// DeadLetterIgnored means an operator dismissed the failure.
	DeadLetterIgnored DeadLetterStatus = "ignored"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint matches.
	ErrCheckpointNotFound = errors.New("agent checkpoint not found")
	// ErrApprovalNotFound is returned when no approval matches.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrApprovalNotPending is returned when reviewing a non-pending approval.
	ErrApprovalNotPending = errors.New("approval is not pending")
	// ErrApprovalExpired is returned when reviewing an approval past its
	// deadline.
	ErrApprovalExpired = errors.New("approval has expired")
	// ErrDeadLetterNotFound is returned when no dead letter matches.
	ErrDeadLetterNotFound = errors.New("agent dead letter not found")
	// ErrUnknownAgent is returned when no registration matches an agent ID.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrBudgetExceeded is returned when a decision would overrun the agent's
	// daily budget.
	ErrBudgetExceeded = errors.New("budget_exceeded")
)

type (
	// Checkpoint is the durable cursor and lifecycle state of one agent
	// subscription.
	Checkpoint struct {
		AgentID               string          `bson:"agent_id" json:"agent_id"`
		SubscriptionID        string          `bson:"subscription_id" json:"subscription_id"`
		LastProcessedPosition int64           `bson:"last_processed_position" json:"last_processed_position"`
		LastEventID           string          `bson:"last_event_id,omitempty" json:"last_event_id,omitempty"`
		Status                Status          `bson:"status" json:"status"`
		EventsProcessed       int64           `bson:"events_processed" json:"events_processed"`
		ConfigOverrides       json.RawMessage `bson:"config_overrides,omitempty" json:"config_overrides,omitempty"`
		UpdatedAt             time.Time       `bson:"updated_at" json:"updated_at"`
	}

	// Action is the reviewed unit of a pending approval: the command the
	// agent wants to run, serialized for storage.
	Action struct {
		Type    string          `bson:"type" json:"type"`
		Payload json.RawMessage `bson:"payload" json:"payload"`
	}

	// PendingApproval is a human-in-the-loop gate for one agent decision.
	// Transitions leave pending exactly once: approved, rejected or expired.
	PendingApproval struct {
		ApprovalID      string         `bson:"approval_id" json:"approval_id"`
		AgentID         string         `bson:"agent_id" json:"agent_id"`
		DecisionID      string         `bson:"decision_id" json:"decision_id"`
		Action          Action         `bson:"action" json:"action"`
		Confidence      float64        `bson:"confidence" json:"confidence"`
		Reason          string         `bson:"reason" json:"reason"`
		Status          ApprovalStatus `bson:"status" json:"status"`
		RequestedAt     time.Time      `bson:"requested_at" json:"requested_at"`
		ExpiresAt       time.Time      `bson:"expires_at" json:"expires_at"`
		ReviewerID      string         `bson:"reviewer_id,omitempty" json:"reviewer_id,omitempty"`
		ReviewedAt      *time.Time     `bson:"reviewed_at,omitempty" json:"reviewed_at,omitempty"`
		ReviewNote      string         `bson:"review_note,omitempty" json:"review_note,omitempty"`
		RejectionReason string         `bson:"rejection_reason,omitempty" json:"rejection_reason,omitempty"`
	}

	// DeadLetter records one agent handling failure beyond recovery. The
	// error text is sanitized before storage.
	DeadLetter struct {
		ID             string           `bson:"dead_letter_id" json:"dead_letter_id"`
		AgentID        string           `bson:"agent_id" json:"agent_id"`
		SubscriptionID string           `bson:"subscription_id" json:"subscription_id"`
		EventID        string           `bson:"event_id" json:"event_id"`
		GlobalPosition int64            `bson:"global_position" json:"global_position"`
		Error          string           `bson:"error" json:"error"`
		AttemptCount   int              `bson:"attempt_count" json:"attempt_count"`
		Status         DeadLetterStatus `bson:"status" json:"status"`
		CreatedAt      time.Time        `bson:"created_at" json:"created_at"`
		ResolvedAt     *time.Time       `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	}

	// AuditEvent is one append-only audit trail record.
	AuditEvent struct {
		AgentID    string          `bson:"agent_id" json:"agent_id"`
		DecisionID string          `bson:"decision_id" json:"decision_id"`
		Type       AuditType       `bson:"type" json:"type"`
		Timestamp  time.Time       `bson:"timestamp" json:"timestamp"`
		Payload    json.RawMessage `bson:"payload,omitempty" json:"payload,omitempty"`
	}

	// SpendRecord accumulates one agent's model spend for one UTC day.
	SpendRecord struct {
		AgentID      string    `bson:"agent_id" json:"agent_id"`
		Day          string    `bson:"day" json:"day"`
		CurrentSpend float64   `bson:"current_spend" json:"current_spend"`
		UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
	}

	// CheckpointStore persists agent checkpoints.
	CheckpointStore interface {
		// Get returns an agent's checkpoint or ErrCheckpointNotFound.
		Get(ctx context.Context, agentID string) (*Checkpoint, error)

		// Save upserts the checkpoint.
		Save(ctx context.Context, cp *Checkpoint) error

		// List returns all checkpoints sorted by agent ID.
		List(ctx context.Context) ([]*Checkpoint, error)
	}

	// ApprovalStore persists pending approvals.
	ApprovalStore interface {
		// Insert stores a new approval.
		Insert(ctx context.Context, pa *PendingApproval) error

		// Get returns an approval or ErrApprovalNotFound.
		Get(ctx context.Context, approvalID string) (*PendingApproval, error)

		// Update persists a reviewed approval.
		Update(ctx context.Context, pa *PendingApproval) error

		// List returns approvals filtered by agent and status. Empty arguments
		// match everything.
		List(ctx context.Context, agentID string, status ApprovalStatus) ([]*PendingApproval, error)

		// ListExpirable returns pending approvals with ExpiresAt <= now.
		ListExpirable(ctx context.Context, now time.Time) ([]*PendingApproval, error)
	}

	// DeadLetterStore persists agent dead letters.
	DeadLetterStore interface {
		// Insert stores a new dead letter.
		Insert(ctx context.Context, dl *DeadLetter) error

		// Get returns a dead letter or ErrDeadLetterNotFound.
		Get(ctx context.Context, id string) (*DeadLetter, error)

		// SetStatus resolves a dead letter.
		SetStatus(ctx context.Context, id string, status DeadLetterStatus, resolvedAt time.Time) error

		// List returns dead letters filtered by agent and status. Empty
		// arguments match everything.
		List(ctx context.Context, agentID string, status DeadLetterStatus) ([]*DeadLetter, error)
	}

	// AuditStore is the append-only audit trail.
	AuditStore interface {
		// Append stores an audit event.
		Append(ctx context.Context, evt *AuditEvent) error

		// List returns an agent's audit events in timestamp order.
		List(ctx context.Context, agentID string) ([]*AuditEvent, error)
	}

	// SpendStore tracks per-day model spend.
	SpendStore interface {
		// Add increments the day's spend and returns the new total.
		Add(ctx context.Context, agentID, day string, amount float64) (float64, error)

		// Get returns the day's spend, zero when absent.
		Get(ctx context.Context, agentID, day string) (float64, error)
	}

	// PatternWindow bounds the event history considered for one decision.
	PatternWindow struct {
		// Duration is "Nd", "Nh" or "Nm" with N a positive integer.
		Duration string
		// MinEvents is the minimum history size for a decision attempt.
		MinEvents int
		// EventLimit caps the history read. Defaults to 100.
		EventLimit int
	}

	// HumanInLoop configures when an agent's command needs human approval.
	HumanInLoop struct {
		// RequiresApproval lists command types that always need approval.
		RequiresApproval []string
		// AutoApprove lists command types that never need approval.
		AutoApprove []string
		// ConfidenceThreshold gates everything else: decisions below it need
		// approval. Defaults to 0.9.
		ConfidenceThreshold float64
	}

	// ExecutionContext is the input handed to an agent's OnEvent.
	ExecutionContext struct {
		// Agent is the registered configuration.
		Agent *Config
		// Event is the trigger event.
		Event *eventstore.Event
		// History is the entity's events inside the pattern window, oldest
		// first, including the trigger event.
		History []*eventstore.Event
		// Checkpoint is the agent's current checkpoint.
		Checkpoint *Checkpoint
		// Backend is the model backend, never nil.
		Backend model.Backend
	}

	// Decision is the outcome of one OnEvent invocation. A nil decision, or
	// one with a nil Command, means no action.
	Decision struct {
		// Command is the action the agent wants to run.
		Command *command.Envelope
		// Confidence is the agent's confidence in [0,1].
		Confidence float64
		// Reason is a human-readable justification.
		Reason string
		// RequiresApproval forces human review regardless of policy.
		RequiresApproval bool
		// Usage is the model token consumption behind the decision.
		Usage model.Usage
	}

	// Config declares one agent.
	Config struct {
		// AgentID uniquely identifies the agent. Required.
		AgentID string
		// EventTypes is the subscription filter. At least one is required.
		EventTypes []string
		// PartitionKey derives the serialization key from an event. Defaults
		// to the event's stream ID.
		PartitionKey func(evt *eventstore.Event) string
		// Priority orders subscriptions relative to projections (100) and
		// sagas (300). Defaults to 250.
		Priority int
		// PatternWindow bounds the history for decisions. Required Duration.
		PatternWindow PatternWindow
		// HumanInLoop configures approval policy.
		HumanInLoop HumanInLoop
		// ApprovalTimeout is "Nm", "Nh" or "Nd". Defaults to "24h".
		ApprovalTimeout string
		// Model identifies the backend model, keying the cost table.
		Model string
		// DailyBudget caps model spend per UTC day in dollars. Zero disables
		// budget enforcement.
		DailyBudget float64
		// AlertThreshold is the fraction of DailyBudget that flags spend
		// warnings. Defaults to 0.8.
		AlertThreshold float64
		// EstimatedCost is the projected cost of one decision, checked against
		// the remaining budget before OnEvent runs.
		EstimatedCost float64
		// OnEvent produces the agent's decision. Required.
		OnEvent func(ctx context.Context, ec *ExecutionContext) (*Decision, error)
	}
)

// DefaultPriority sits between projections (100) and sagas (300).
const DefaultPriority = 250

// IsExpired reports whether the approval's deadline has passed. Expiry is
// lazy: the stored status may still read pending.
func (pa *PendingApproval) IsExpired(now time.Time) bool {
	return !now.Before(pa.ExpiresAt)
}
