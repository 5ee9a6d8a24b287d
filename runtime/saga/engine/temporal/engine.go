// Package temporal adapts the saga workflow engine abstraction to Temporal.
// Workflows and activities are registered on per-queue workers; the adapter
// wires OTEL tracing into the client and workers and exposes Temporal's
// durable, replayable execution through engine.Engine.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/sourced/runtime/saga/engine"
	"goa.design/sourced/runtime/telemetry"
)

type (
	// Options configures the Temporal engine adapter. Either a pre-configured
	// Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// adapter creates a lazy client from ClientOptions.
		Client client.Client
		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options
		// TaskQueue is the default queue used when definitions omit one.
		// Required.
		TaskQueue string
		// WorkerOptions are forwarded to worker.New.
		WorkerOptions worker.Options
		// DisableTracing skips installing the OTEL tracing interceptor.
		DisableTracing bool
		// Logger emits worker lifecycle logs. Defaults to no-op.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine on Temporal.
	Engine struct {
		client       client.Client
		closeClient  bool
		defaultQueue string
		workerOpts   worker.Options
		logger       telemetry.Logger

		mu             sync.Mutex
		workers        map[string]worker.Worker
		workersStarted bool
		workflows      map[string]engine.WorkflowDefinition
		activityOpts   map[string]engine.ActivityOptions
	}

	workflowContext struct {
		engine *Engine
		wctx   workflow.Context
	}

	handle struct {
		run    client.WorkflowRun
		client client.Client
	}
)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("client options are required when client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("create tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("create temporal client: %w", err)
		}
		closeClient = true
	}
	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   opts.WorkerOptions,
		logger:       opts.Logger,
		workers:      make(map[string]worker.Worker),
		workflows:    make(map[string]engine.WorkflowDefinition),
		activityOpts: make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	w, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}
	handler := def.Handler
	w.RegisterWorkflowWithOptions(func(wctx workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		return handler(&workflowContext{engine: e, wctx: wctx}, input)
	}, workflow.RegisterOptions{Name: def.Name})

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
	w, err := e.workerForQueue("")
	if err != nil {
		return err
	}
	w.RegisterActivityWithOptions(def.Handler, activity.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	e.activityOpts[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow implements engine.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q is not registered", req.Workflow)
	}
	e.ensureWorkersStarted(ctx)

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                queue,
		WorkflowExecutionTimeout: req.RunTimeout,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, req.ID)
		}
		return nil, err
	}
	return &handle{run: run, client: e.client}, nil
}

// QueryRunStatus implements engine.Engine.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	desc, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
	}
	switch desc.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusFailed, nil
	}
}

// CancelWorkflow implements engine.Engine.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	return e.client.CancelWorkflow(ctx, workflowID, "")
}

// Close shuts down workers and the client when the adapter created it.
func (e *Engine) Close() {
	e.mu.Lock()
	workers := make([]worker.Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	started := e.workersStarted
	e.mu.Unlock()
	if started {
		for _, w := range workers {
			w.Stop()
		}
	}
	if e.closeClient {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (worker.Worker, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[queue]; ok {
		return w, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	e.workers[queue] = w
	return w, nil
}

func (e *Engine) ensureWorkersStarted(ctx context.Context) {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	workers := make([]worker.Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		if err := w.Start(); err != nil {
			e.logger.Error(ctx, "failed to start temporal worker", "err", err)
		}
	}
}

// Context implements engine.Context.
func (c *workflowContext) Context() context.Context {
	return context.Background()
}

// WorkflowID implements engine.Context.
func (c *workflowContext) WorkflowID() string {
	return workflow.GetInfo(c.wctx).WorkflowExecution.ID
}

// Now implements engine.Context.
func (c *workflowContext) Now() time.Time {
	return workflow.Now(c.wctx)
}

// ExecuteActivity implements engine.Context.
func (c *workflowContext) ExecuteActivity(_ context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	c.engine.mu.Lock()
	opts := c.engine.activityOpts[name]
	c.engine.mu.Unlock()

	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: opts.Timeout,
	}
	if actOpts.StartToCloseTimeout <= 0 {
		actOpts.StartToCloseTimeout = time.Minute
	}
	if rp := opts.RetryPolicy; rp.MaxAttempts > 0 || rp.InitialInterval > 0 || rp.BackoffCoefficient > 0 {
		actOpts.RetryPolicy = &temporal.RetryPolicy{
			MaximumAttempts:    int32(rp.MaxAttempts),
			InitialInterval:    rp.InitialInterval,
			BackoffCoefficient: rp.BackoffCoefficient,
		}
	}
	wctx := workflow.WithActivityOptions(c.wctx, actOpts)
	var output json.RawMessage
	if err := workflow.ExecuteActivity(wctx, name, input).Get(wctx, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// Wait implements engine.Handle.
func (h *handle) Wait(ctx context.Context) (json.RawMessage, error) {
	var output json.RawMessage
	if err := h.run.Get(ctx, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// Signal implements engine.Handle.
func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

// Cancel implements engine.Handle.
func (h *handle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
