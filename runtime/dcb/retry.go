package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
)

// retryComponent names the workpool component scope retries target.
const retryComponent = "dcb"

var retryTarget = workpool.Target{Component: retryComponent, Operation: "retry"}

type (
	// OperationFunc is a named, replayable unit of work scheduled through the
	// retrier. Implementations must be idempotent and should return the scope
	// or stream conflict unwrapped so the pool can retry it.
	OperationFunc func(ctx context.Context, args json.RawMessage) error

	// RetrierOptions configures a Retrier.
	RetrierOptions struct {
		// Pool runs the retried operations. Required.
		Pool *workpool.Pool
		// Logger emits retry logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Retrier schedules conflict-prone operations through the workpool so
	// OCC conflicts are retried a bounded number of times with backoff
	// instead of failing the caller synchronously.
	Retrier struct {
		pool    *workpool.Pool
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu  sync.RWMutex
		ops map[string]OperationFunc
	}

	// RetryOptions bounds one scheduled operation.
	RetryOptions struct {
		// PartitionKey serializes the operation with others sharing the key,
		// typically the scope key. Empty runs unserialized.
		PartitionKey string
		// MaxAttempts caps executions. Defaults to 3.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry. Defaults to 200ms.
		InitialBackoff time.Duration
		// Base is the exponential backoff multiplier. Defaults to 2.
		Base float64
	}

	retryArgs struct {
		Op   string          `json:"op"`
		Args json.RawMessage `json:"args,omitempty"`
	}
)

// NewRetrier constructs a Retrier and registers its task handler on the pool.
func NewRetrier(opts RetrierOptions) (*Retrier, error) {
	if opts.Pool == nil {
		return nil, errors.New("workpool is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	r := &Retrier{
		pool:    opts.Pool,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ops:     make(map[string]OperationFunc),
	}
	if err := opts.Pool.Register(retryTarget, r.handleTask); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterOperation adds a named operation. Names must be stable across
// restarts so queued tasks resolve after a redeploy.
func (r *Retrier) RegisterOperation(name string, fn OperationFunc) error {
	if name == "" {
		return errors.New("operation name is required")
	}
	if fn == nil {
		return errors.New("operation func is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[name]; ok {
		return fmt.Errorf("operation %s already registered", name)
	}
	r.ops[name] = fn
	return nil
}

// Schedule enqueues one bounded-retry execution of a registered operation and
// returns the task ID.
func (r *Retrier) Schedule(ctx context.Context, op string, args any, opts RetryOptions) (string, error) {
	r.mu.RLock()
	_, ok := r.ops[op]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown operation %s", op)
	}
	var raw json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode operation args: %w", err)
		}
		raw = encoded
	}
	return r.pool.Enqueue(ctx, retryTarget, &retryArgs{Op: op, Args: raw}, workpool.EnqueueOptions{
		PartitionKey:   opts.PartitionKey,
		MaxAttempts:    opts.MaxAttempts,
		InitialBackoff: opts.InitialBackoff,
		Base:           opts.Base,
	})
}

func (r *Retrier) handleTask(ctx context.Context, args json.RawMessage) error {
	var ra retryArgs
	if err := json.Unmarshal(args, &ra); err != nil {
		return fmt.Errorf("decode retry task: %w", err)
	}
	r.mu.RLock()
	fn, ok := r.ops[ra.Op]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown operation %s", ra.Op)
	}
	if err := fn(ctx, ra.Args); err != nil {
		if _, conflict := IsConflict(err); conflict {
			r.metrics.IncCounter("dcb.retry_conflict", 1, "op", ra.Op)
		}
		return err
	}
	return nil
}
