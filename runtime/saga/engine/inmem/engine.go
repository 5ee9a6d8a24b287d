// Package inmem provides an in-memory workflow engine for development and
// testing. Workflows run synchronously in the caller's goroutine with no
// durability; activity retries honor MaxAttempts without backoff delays.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sourced/runtime/saga/engine"
)

type (
	// Engine is the in-memory engine.Engine.
	Engine struct {
		now func() time.Time

		mu         sync.Mutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		runs       map[string]*run
	}

	// Options configures the in-memory engine.
	Options struct {
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	run struct {
		status engine.RunStatus
		output json.RawMessage
		err    error
	}

	workflowContext struct {
		engine     *Engine
		workflowID string
		ctx        context.Context
	}

	handle struct {
		engine     *Engine
		workflowID string
	}
)

// New constructs an empty engine.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		now:        opts.Now,
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		runs:       make(map[string]*run),
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.Handler == nil {
		return errors.New("workflow handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[def.Name]; ok {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Handler == nil {
		return errors.New("activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activities[def.Name]; ok {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements engine.Engine. Execution is synchronous: the
// handler has already finished when StartWorkflow returns, and the handle's
// Wait returns the recorded result.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow ID is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q is not registered", req.Workflow)
	}
	if existing, ok := e.runs[req.ID]; ok && existing.status == engine.RunStatusRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, req.ID)
	}
	r := &run{status: engine.RunStatusRunning}
	e.runs[req.ID] = r
	e.mu.Unlock()

	wctx := &workflowContext{engine: e, workflowID: req.ID, ctx: ctx}
	output, err := def.Handler(wctx, req.Input)

	e.mu.Lock()
	if err != nil {
		r.status = engine.RunStatusFailed
		r.err = err
	} else {
		r.status = engine.RunStatusCompleted
		r.output = output
	}
	e.mu.Unlock()
	return &handle{engine: e, workflowID: req.ID}, nil
}

// QueryRunStatus implements engine.Engine.
func (e *Engine) QueryRunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	return r.status, nil
}

// CancelWorkflow implements engine.Engine. Synchronous runs are already
// terminal when cancellation could be observed, so only the status flips.
func (e *Engine) CancelWorkflow(_ context.Context, workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	if r.status == engine.RunStatusRunning {
		r.status = engine.RunStatusCanceled
	}
	return nil
}

// Context implements engine.Context.
func (c *workflowContext) Context() context.Context { return c.ctx }

// WorkflowID implements engine.Context.
func (c *workflowContext) WorkflowID() string { return c.workflowID }

// Now implements engine.Context.
func (c *workflowContext) Now() time.Time { return c.engine.now() }

// ExecuteActivity implements engine.Context. Retries honor MaxAttempts but
// run back to back; the in-memory engine has no timers.
func (c *workflowContext) ExecuteActivity(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	c.engine.mu.Lock()
	def, ok := c.engine.activities[name]
	c.engine.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("activity %q is not registered", name)
	}
	attempts := def.Options.RetryPolicy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		output, err := def.Handler(ctx, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Wait implements engine.Handle.
func (h *handle) Wait(_ context.Context) (json.RawMessage, error) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	r := h.engine.runs[h.workflowID]
	return r.output, r.err
}

// Signal implements engine.Handle. Synchronous runs cannot receive signals.
func (h *handle) Signal(context.Context, string, any) error {
	return errors.New("in-memory engine does not support signals")
}

// Cancel implements engine.Handle.
func (h *handle) Cancel(ctx context.Context) error {
	return h.engine.CancelWorkflow(ctx, h.workflowID)
}
