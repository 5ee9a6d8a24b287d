// Package engine defines the workflow engine abstraction the saga coordinator
// runs on. Implementations translate these generic types into backend-specific
// primitives so the coordinator can target Temporal in production and the
// in-memory engine in tests without modification.
//
// Workflow handlers run in a deterministic environment: all I/O happens in
// activities, workflow time comes from Context.Now, and the engine records
// activity results so crashed workflows resume from their last checkpoint.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusRunning means the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled means the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates no execution exists for the identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrAlreadyStarted indicates a workflow with the same ID is running.
	ErrAlreadyStarted = errors.New("workflow already started")
)

type (
	// Engine abstracts workflow registration and execution.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Registration must
		// complete before StartWorkflow references the definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity handler. Activities perform
		// the non-deterministic work workflows schedule.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches an execution and returns a handle. Workflow
		// IDs are unique per engine; duplicates return ErrAlreadyStarted.
		StartWorkflow(ctx context.Context, req StartRequest) (Handle, error)

		// QueryRunStatus returns the lifecycle status of a workflow ID.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)

		// CancelWorkflow requests cancellation of a running workflow.
		CancelWorkflow(ctx context.Context, workflowID string) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the queue workers subscribe to. Empty uses the engine
		// default.
		TaskQueue string
		// Handler is the workflow entry point.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It must be deterministic with
	// respect to activity results.
	WorkflowFunc func(ctx Context, input json.RawMessage) (json.RawMessage, error)

	// ActivityDefinition binds an activity handler to a name.
	ActivityDefinition struct {
		// Name is the identifier workflows schedule the activity by.
		Name string
		// Options configure retry and timeout defaults.
		Options ActivityOptions
		// Handler performs the activity's work. It may do arbitrary I/O.
		Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// RetryPolicy controls retry behavior. Zero uses engine defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds total activity execution including retries.
		Timeout time.Duration
	}

	// RetryPolicy defines retry semantics. Zero-valued fields use engine
	// defaults.
	RetryPolicy struct {
		// MaxAttempts caps retry attempts. Zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// StartRequest describes how to launch a workflow execution.
	StartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered definition to execute.
		Workflow string
		// TaskQueue overrides the definition's queue.
		TaskQueue string
		// Input is the serialized payload passed to the handler.
		Input json.RawMessage
		// RunTimeout bounds total execution time. Zero uses engine defaults.
		RunTimeout time.Duration
	}

	// Context exposes engine operations to workflow handlers inside the
	// deterministic execution environment.
	Context interface {
		// Context returns the Go context of the workflow, replay-aware in
		// deterministic engines.
		Context() context.Context

		// WorkflowID returns the execution's identifier.
		WorkflowID() string

		// ExecuteActivity schedules a registered activity and blocks until
		// it completes.
		ExecuteActivity(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)

		// Now returns workflow time in a replay-safe manner.
		Now() time.Time
	}

	// Handle allows callers to interact with a running workflow.
	Handle interface {
		// Wait blocks until the workflow completes and returns its output.
		Wait(ctx context.Context) (json.RawMessage, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}
)
