// Package workpool implements the partitioned, at-least-once task dispatcher
// that runs all asynchronous platform work: projection updates, saga starts,
// agent event processing, and replay chunks. Tasks carrying the same partition
// key execute serially in FIFO order; distinct partitions run in parallel up
// to the pool's bound. Failed tasks retry with exponential backoff and move to
// the dead state once attempts are exhausted, at which point the completion
// callback registered for the target component persists a dead-letter record.
package workpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	// TaskScheduled means the task is waiting for its next run time.
	TaskScheduled TaskState = "scheduled"
	// TaskRunning means a worker currently executes the task.
	TaskRunning TaskState = "running"
	// TaskSucceeded means the task handler returned without error.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed means the last attempt errored but retries remain.
	TaskFailed TaskState = "failed"
	// TaskDead means the task exhausted its attempts.
	TaskDead TaskState = "dead"
)

var (
	// ErrNoTasksReady is returned by claim when no task is eligible to run.
	ErrNoTasksReady = errors.New("no tasks ready")
	// ErrTaskNotFound is returned when a task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownTarget is returned when a task references an unregistered handler.
	ErrUnknownTarget = errors.New("unknown workpool target")
)

type (
	// Target is a serializable descriptor of the mutation a task runs. The
	// pool resolves it to a registered handler; tasks persist targets, never
	// function values.
	Target struct {
		Component string `bson:"component" json:"component"`
		Operation string `bson:"operation" json:"operation"`
	}

	// Task is the durable record of one unit of asynchronous work.
	Task struct {
		ID             string          `bson:"task_id" json:"task_id"`
		Target         Target          `bson:"target" json:"target"`
		Args           json.RawMessage `bson:"args" json:"args"`
		PartitionKey   string          `bson:"partition_key,omitempty" json:"partition_key,omitempty"`
		AttemptCount   int             `bson:"attempt_count" json:"attempt_count"`
		MaxAttempts    int             `bson:"max_attempts" json:"max_attempts"`
		InitialBackoff time.Duration   `bson:"initial_backoff" json:"initial_backoff"`
		BackoffBase    float64         `bson:"backoff_base" json:"backoff_base"`
		NextRunAt      time.Time       `bson:"next_run_at" json:"next_run_at"`
		State          TaskState       `bson:"state" json:"state"`
		LastError      string          `bson:"last_error,omitempty" json:"last_error,omitempty"`
		Seq            int64           `bson:"seq" json:"seq"`
		EnqueuedAt     time.Time       `bson:"enqueued_at" json:"enqueued_at"`
		UpdatedAt      time.Time       `bson:"updated_at" json:"updated_at"`
	}

	// EnqueueOptions tunes scheduling and retry for one task. Zero values
	// select the pool defaults.
	EnqueueOptions struct {
		// PartitionKey serializes the task with all others sharing the key.
		// Empty means the task runs unserialized.
		PartitionKey string
		// MaxAttempts caps handler invocations before the task is dead.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// Base is the exponential backoff multiplier.
		Base float64
		// Delay postpones the first run.
		Delay time.Duration
	}

	// Handler executes a task's mutation. Handlers must be idempotent: the
	// pool guarantees at-least-once execution, and a crash mid-attempt
	// re-runs the attempt.
	Handler func(ctx context.Context, args json.RawMessage) error

	// CompletionFunc is invoked when a task targeting the component reaches
	// the dead state, so the owning subsystem can persist a dead-letter
	// record.
	CompletionFunc func(ctx context.Context, task *Task)

	// Store is the durable task store.
	Store interface {
		// Insert persists a new task. The store assigns Seq, monotone in
		// insertion order.
		Insert(ctx context.Context, task *Task) error

		// Update persists task state mutations.
		Update(ctx context.Context, task *Task) error

		// Claim atomically selects the oldest scheduled task with
		// NextRunAt <= now whose partition key is not in busy, marks it
		// running, and returns it. Returns ErrNoTasksReady when nothing is
		// eligible.
		Claim(ctx context.Context, now time.Time, busy []string) (*Task, error)

		// Get returns a task by ID.
		Get(ctx context.Context, id string) (*Task, error)

		// PartitionDepths returns the number of scheduled tasks per partition
		// key.
		PartitionDepths(ctx context.Context) (map[string]int, error)
	}

	// registry maps targets to handlers and components to completion
	// callbacks. Registration happens at startup; the registry is effectively
	// read-only afterwards.
	registry struct {
		mu          sync.RWMutex
		handlers    map[Target]Handler
		completions map[string]CompletionFunc
	}
)

// String renders the target as component.operation.
func (t Target) String() string { return t.Component + "." + t.Operation }

func newRegistry() *registry {
	return &registry{
		handlers:    make(map[Target]Handler),
		completions: make(map[string]CompletionFunc),
	}
}

func (r *registry) register(target Target, h Handler) error {
	if target.Component == "" || target.Operation == "" {
		return errors.New("target component and operation are required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[target]; ok {
		return fmt.Errorf("target %s already registered", target)
	}
	r.handlers[target] = h
	return nil
}

func (r *registry) resolve(target Target) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[target]
	return h, ok
}

func (r *registry) registerCompletion(component string, fn CompletionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions[component] = fn
}

func (r *registry) completion(component string) (CompletionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.completions[component]
	return fn, ok
}
