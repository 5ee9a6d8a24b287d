package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/saga/engine"
	"goa.design/sourced/runtime/telemetry"
)

type (
	// CoordinatorOptions configures a Coordinator.
	CoordinatorOptions struct {
		// Engine runs the saga workflows. Required.
		Engine engine.Engine
		// Instances persists saga instances. Required.
		Instances InstanceStore
		// Logger emits saga logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records saga counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Coordinator registers saga definitions on the workflow engine and
	// starts instances for trigger events. It implements the orchestrator's
	// SagaRouter.
	Coordinator struct {
		engine    engine.Engine
		instances InstanceStore
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time

		mu   sync.RWMutex
		defs map[string]*Definition
	}

	// statusUpdate is the payload of the per-saga status activity.
	statusUpdate struct {
		SagaType string         `json:"saga_type"`
		SagaID   string         `json:"saga_id"`
		Status   InstanceStatus `json:"status"`
		Error    string         `json:"error,omitempty"`
	}
)

// NewCoordinator constructs a Coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if opts.Instances == nil {
		return nil, errors.New("instance store is required")
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
	return &Coordinator{
		engine:    opts.Engine,
		instances: opts.Instances,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		defs:      make(map[string]*Definition),
	}, nil
}

// Register binds a saga definition: one workflow plus one activity per step
// direction and a status activity, all named under the saga type.
func (c *Coordinator) Register(ctx context.Context, def *Definition) error {
	if def == nil {
		return errors.New("definition is required")
	}
	if def.Type == "" {
		return errors.New("saga type is required")
	}
	if def.BusinessKey == nil {
		return errors.New("business key function is required")
	}
	if len(def.Steps) == 0 {
		return errors.New("saga needs at least one step")
	}
	for _, step := range def.Steps {
		if step.Name == "" || step.Execute == nil {
			return errors.New("every step needs a name and an execute function")
		}
	}

	c.mu.Lock()
	if _, ok := c.defs[def.Type]; ok {
		c.mu.Unlock()
		return fmt.Errorf("saga %s already registered", def.Type)
	}
	c.defs[def.Type] = def
	c.mu.Unlock()

	for _, step := range def.Steps {
		step := step
		if err := c.engine.RegisterActivity(ctx, engine.ActivityDefinition{
			Name: stepActivityName(def.Type, step.Name, "execute"),
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var trigger Trigger
				if err := json.Unmarshal(input, &trigger); err != nil {
					return nil, err
				}
				return nil, step.Execute(ctx, &trigger)
			},
		}); err != nil {
			return err
		}
		if step.Compensate == nil {
			continue
		}
		if err := c.engine.RegisterActivity(ctx, engine.ActivityDefinition{
			Name: stepActivityName(def.Type, step.Name, "compensate"),
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var trigger Trigger
				if err := json.Unmarshal(input, &trigger); err != nil {
					return nil, err
				}
				return nil, step.Compensate(ctx, &trigger)
			},
		}); err != nil {
			return err
		}
	}
	if err := c.engine.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    statusActivityName(def.Type),
		Handler: c.setStatusActivity,
	}); err != nil {
		return err
	}
	return c.engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      workflowName(def.Type),
		TaskQueue: def.TaskQueue,
		Handler:   c.workflow(def),
	})
}

// StartForEvent starts a saga instance for the trigger event. At most one
// instance per business key: duplicates are logged and skipped.
func (c *Coordinator) StartForEvent(ctx context.Context, sagaType string, evt *eventstore.Event) error {
	c.mu.RLock()
	def, ok := c.defs[sagaType]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSaga, sagaType)
	}
	sagaID := def.BusinessKey(evt)
	if sagaID == "" {
		return fmt.Errorf("saga %s: empty business key for event %s", sagaType, evt.ID)
	}
	workflowID := workflowName(sagaType) + ":" + sagaID
	now := c.now().UTC()
	_, created, err := c.instances.CreateIfAbsent(ctx, &Instance{
		SagaType:              sagaType,
		SagaID:                sagaID,
		WorkflowID:            workflowID,
		Status:                InstancePending,
		TriggerEventID:        evt.ID,
		TriggerGlobalPosition: evt.GlobalPosition,
		CreatedAt:             now,
	})
	if err != nil {
		return fmt.Errorf("record saga instance: %w", err)
	}
	if !created {
		c.logger.Info(ctx, "saga instance already exists",
			"saga_type", sagaType, "saga_id", sagaID, "event_id", evt.ID)
		return nil
	}

	input, err := json.Marshal(&Trigger{SagaType: sagaType, SagaID: sagaID, Event: evt})
	if err != nil {
		return fmt.Errorf("encode saga trigger: %w", err)
	}
	_, err = c.engine.StartWorkflow(ctx, engine.StartRequest{
		ID:       workflowID,
		Workflow: workflowName(sagaType),
		Input:    input,
	})
	if errors.Is(err, engine.ErrAlreadyStarted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start saga workflow: %w", err)
	}
	c.metrics.IncCounter("saga.started", 1, "saga_type", sagaType)
	return nil
}

// Cancel requests cancellation of a saga's workflow.
func (c *Coordinator) Cancel(ctx context.Context, sagaType, sagaID string) error {
	inst, err := c.instances.Get(ctx, sagaType, sagaID)
	if err != nil {
		return err
	}
	return c.engine.CancelWorkflow(ctx, inst.WorkflowID)
}

// Instance returns the durable record of a saga execution.
func (c *Coordinator) Instance(ctx context.Context, sagaType, sagaID string) (*Instance, error) {
	return c.instances.Get(ctx, sagaType, sagaID)
}

// workflow builds the saga's workflow function: forward steps in order, and
// on failure the completed prefix's compensations in reverse.
func (c *Coordinator) workflow(def *Definition) engine.WorkflowFunc {
	return func(wctx engine.Context, input json.RawMessage) (json.RawMessage, error) {
		var trigger Trigger
		if err := json.Unmarshal(input, &trigger); err != nil {
			return nil, err
		}
		ctx := wctx.Context()
		c.updateStatus(wctx, &trigger, InstanceRunning, "")

		completed := 0
		var stepErr error
		for _, step := range def.Steps {
			if _, err := wctx.ExecuteActivity(ctx, stepActivityName(def.Type, step.Name, "execute"), input); err != nil {
				stepErr = fmt.Errorf("step %s: %w", step.Name, err)
				break
			}
			completed++
		}
		if stepErr == nil {
			c.updateStatus(wctx, &trigger, InstanceCompleted, "")
			return nil, nil
		}

		c.updateStatus(wctx, &trigger, InstanceCompensating, stepErr.Error())
		for i := completed - 1; i >= 0; i-- {
			step := def.Steps[i]
			if step.Compensate == nil {
				continue
			}
			if _, err := wctx.ExecuteActivity(ctx, stepActivityName(def.Type, step.Name, "compensate"), input); err != nil {
				c.updateStatus(wctx, &trigger, InstanceFailed,
					fmt.Sprintf("%s; compensation %s: %s", stepErr, step.Name, err))
				return nil, fmt.Errorf("compensate %s: %w", step.Name, err)
			}
		}
		c.updateStatus(wctx, &trigger, InstanceCompensated, stepErr.Error())
		return nil, stepErr
	}
}

func (c *Coordinator) updateStatus(wctx engine.Context, trigger *Trigger, status InstanceStatus, errMsg string) {
	payload, err := json.Marshal(&statusUpdate{
		SagaType: trigger.SagaType,
		SagaID:   trigger.SagaID,
		Status:   status,
		Error:    errMsg,
	})
	if err != nil {
		c.logger.Error(wctx.Context(), "failed to encode saga status update", "err", err)
		return
	}
	if _, err := wctx.ExecuteActivity(wctx.Context(), statusActivityName(trigger.SagaType), payload); err != nil {
		c.logger.Error(wctx.Context(), "failed to update saga status",
			"saga_type", trigger.SagaType, "saga_id", trigger.SagaID, "status", status, "err", err)
	}
}

func (c *Coordinator) setStatusActivity(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var update statusUpdate
	if err := json.Unmarshal(input, &update); err != nil {
		return nil, err
	}
	return nil, c.instances.SetStatus(ctx, update.SagaType, update.SagaID, update.Status, update.Error)
}

func workflowName(sagaType string) string { return "saga:" + sagaType }

func stepActivityName(sagaType, step, direction string) string {
	return "saga:" + sagaType + ":" + step + ":" + direction
}

func statusActivityName(sagaType string) string { return "saga:" + sagaType + ":status" }
