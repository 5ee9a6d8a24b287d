package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sourced/runtime/command"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/fsm"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
)

// PMStatus is the lifecycle state of a process manager instance.
type PMStatus string

// PMEvent drives process manager lifecycle transitions.
type PMEvent string

const (
	// PMIdle means the instance is waiting for a trigger event.
	PMIdle PMStatus = "idle"
	// PMProcessing means the instance is handling an event.
	PMProcessing PMStatus = "processing"
	// PMCompleted means the last event was handled and its commands emitted.
	PMCompleted PMStatus = "completed"
	// PMFailed means the last event's handling failed.
	PMFailed PMStatus = "failed"

	// PMStart begins processing from idle.
	PMStart PMEvent = "START"
	// PMSuccess records a successful handling.
	PMSuccess PMEvent = "SUCCESS"
	// PMFail records a failed handling.
	PMFail PMEvent = "FAIL"
	// PMRetry resumes processing after a failure.
	PMRetry PMEvent = "RETRY"
	// PMReset returns a terminal instance to idle.
	PMReset PMEvent = "RESET"
)

// pmComponent names the workpool component process manager tasks target.
const pmComponent = "pm"

var pmTarget = workpool.Target{Component: pmComponent, Operation: "handle"}

// ErrPMStateNotFound is returned when no process manager state matches.
var ErrPMStateNotFound = errors.New("process manager state not found")

// pmMachine is the process manager lifecycle.
var pmMachine = fsm.DefineEvents(PMIdle, map[PMStatus]map[PMEvent]PMStatus{
	PMIdle:       {PMStart: PMProcessing},
	PMProcessing: {PMSuccess: PMCompleted, PMFail: PMFailed},
	PMCompleted:  {PMReset: PMIdle},
	PMFailed:     {PMRetry: PMProcessing, PMReset: PMIdle},
})

type (
	// PMState is the durable record of one process manager instance, unique
	// per (pmName, instanceId).
	PMState struct {
		PMName             string          `bson:"pm_name" json:"pm_name"`
		InstanceID         string          `bson:"instance_id" json:"instance_id"`
		Status             PMStatus        `bson:"status" json:"status"`
		LastGlobalPosition int64           `bson:"last_global_position" json:"last_global_position"`
		CommandsEmitted    int             `bson:"commands_emitted" json:"commands_emitted"`
		CommandsFailed     int             `bson:"commands_failed" json:"commands_failed"`
		CustomState        json.RawMessage `bson:"custom_state,omitempty" json:"custom_state,omitempty"`
		StateVersion       int64           `bson:"state_version" json:"state_version"`
		TriggerEventID     string          `bson:"trigger_event_id,omitempty" json:"trigger_event_id,omitempty"`
		CorrelationID      string          `bson:"correlation_id,omitempty" json:"correlation_id,omitempty"`
		ErrorMessage       string          `bson:"error_message,omitempty" json:"error_message,omitempty"`
		CreatedAt          time.Time       `bson:"created_at" json:"created_at"`
		LastUpdatedAt      time.Time       `bson:"last_updated_at" json:"last_updated_at"`
	}

	// PMStateStore persists process manager instance state. Save increments
	// StateVersion; instance concurrency is serialized upstream by workpool
	// partitioning, so the store needs no compare-and-swap.
	PMStateStore interface {
		// Get returns an instance's state or ErrPMStateNotFound.
		Get(ctx context.Context, pmName, instanceID string) (*PMState, error)

		// Save upserts the state and increments StateVersion.
		Save(ctx context.Context, state *PMState) error

		// List returns the states of a process manager, optionally filtered
		// by status. Empty arguments match everything.
		List(ctx context.Context, pmName string, status PMStatus) ([]*PMState, error)
	}

	// Dispatcher sends the commands process managers emit. The command bus
	// satisfies it.
	Dispatcher interface {
		Dispatch(ctx context.Context, env *command.Envelope) (*command.Result, error)
	}

	// PMHandler reacts to one event type. It may mutate state.CustomState and
	// returns the commands to emit. The runtime owns every other state field.
	PMHandler func(ctx context.Context, evt *eventstore.Event, state *PMState) ([]*command.Envelope, error)

	// PMDefinition declares a process manager.
	PMDefinition struct {
		// Name uniquely identifies the process manager. Required.
		Name string
		// InstanceKey derives the instance ID from an event. Required.
		InstanceKey func(evt *eventstore.Event) string
		// Handlers maps event types to handlers. At least one is required.
		Handlers map[string]PMHandler
	}

	// PMManagerOptions configures a process manager runtime.
	PMManagerOptions struct {
		// Pool serializes instance work. Required.
		Pool *workpool.Pool
		// States persists instance state. Required.
		States PMStateStore
		// Commands dispatches emitted commands. Required.
		Commands Dispatcher
		// Logger emits process manager logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// PMManager routes events to process manager instances. Each instance's
	// work runs serialized on the workpool partition "{pmName}:{instanceId}".
	PMManager struct {
		pool     *workpool.Pool
		states   PMStateStore
		commands Dispatcher
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu   sync.RWMutex
		defs map[string]*PMDefinition
	}

	pmTaskArgs struct {
		PM    string            `json:"pm"`
		Event *eventstore.Event `json:"event"`
	}
)

// NewPMManager constructs a process manager runtime and registers its task
// handler on the pool.
func NewPMManager(opts PMManagerOptions) (*PMManager, error) {
	if opts.Pool == nil {
		return nil, errors.New("workpool is required")
	}
	if opts.States == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("command dispatcher is required")
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
	m := &PMManager{
		pool:     opts.Pool,
		states:   opts.States,
		commands: opts.Commands,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		defs:     make(map[string]*PMDefinition),
	}
	if err := opts.Pool.Register(pmTarget, m.handleTask); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds a process manager definition.
func (m *PMManager) Register(def *PMDefinition) error {
	if def == nil {
		return errors.New("definition is required")
	}
	if def.Name == "" {
		return errors.New("process manager name is required")
	}
	if def.InstanceKey == nil {
		return errors.New("instance key function is required")
	}
	if len(def.Handlers) == 0 {
		return errors.New("process manager needs at least one handler")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.Name]; ok {
		return fmt.Errorf("process manager %s already registered", def.Name)
	}
	m.defs[def.Name] = def
	return nil
}

// OnEvent enqueues a handling task for every process manager subscribed to
// the event's type. It implements the orchestrator's Subscriber.
func (m *PMManager) OnEvent(ctx context.Context, evt *eventstore.Event) error {
	m.mu.RLock()
	var matched []*PMDefinition
	for _, def := range m.defs {
		if _, ok := def.Handlers[evt.Type]; ok {
			matched = append(matched, def)
		}
	}
	m.mu.RUnlock()

	for _, def := range matched {
		instanceID := def.InstanceKey(evt)
		if instanceID == "" {
			m.logger.Warn(ctx, "process manager derived empty instance key",
				"pm", def.Name, "event_id", evt.ID, "event_type", evt.Type)
			continue
		}
		_, err := m.pool.Enqueue(ctx, pmTarget, &pmTaskArgs{PM: def.Name, Event: evt}, workpool.EnqueueOptions{
			PartitionKey: def.Name + ":" + instanceID,
		})
		if err != nil {
			return fmt.Errorf("enqueue process manager task: %w", err)
		}
	}
	return nil
}

// EventAppended implements command.Subscriber.
func (m *PMManager) EventAppended(ctx context.Context, evt *eventstore.Event) error {
	return m.OnEvent(ctx, evt)
}

// State returns an instance's durable state.
func (m *PMManager) State(ctx context.Context, pmName, instanceID string) (*PMState, error) {
	return m.states.Get(ctx, pmName, instanceID)
}

// Transition applies a lifecycle event to an instance, for operator resets
// and retries. Invalid events return an error naming the valid events from
// the current status.
func (m *PMManager) Transition(ctx context.Context, pmName, instanceID string, event PMEvent) (*PMState, error) {
	state, err := m.states.Get(ctx, pmName, instanceID)
	if err != nil {
		return nil, err
	}
	next, err := pmMachine.AssertNext(state.Status, event)
	if err != nil {
		return nil, err
	}
	state.Status = next
	if next == PMIdle {
		state.ErrorMessage = ""
	}
	state.LastUpdatedAt = m.now().UTC()
	if err := m.states.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// handleTask runs one event through one instance. Stale events, those at or
// below the instance's last handled position, are skipped.
func (m *PMManager) handleTask(ctx context.Context, args json.RawMessage) error {
	var ta pmTaskArgs
	if err := json.Unmarshal(args, &ta); err != nil {
		return fmt.Errorf("decode process manager task: %w", err)
	}
	m.mu.RLock()
	def, ok := m.defs[ta.PM]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("process manager %s is not registered", ta.PM)
	}
	handler, ok := def.Handlers[ta.Event.Type]
	if !ok {
		return nil
	}
	instanceID := def.InstanceKey(ta.Event)

	state, err := m.states.Get(ctx, def.Name, instanceID)
	if errors.Is(err, ErrPMStateNotFound) {
		state = &PMState{
			PMName:     def.Name,
			InstanceID: instanceID,
			Status:     pmMachine.Initial(),
			CreatedAt:  m.now().UTC(),
		}
		err = nil
	}
	if err != nil {
		return err
	}
	if ta.Event.GlobalPosition <= state.LastGlobalPosition {
		m.logger.Info(ctx, "skipping stale process manager event",
			"pm", def.Name, "instance_id", instanceID, "event_id", ta.Event.ID)
		return nil
	}

	if err := m.begin(ctx, state, ta.Event); err != nil {
		return err
	}

	cmds, handlerErr := handler(ctx, ta.Event, state)
	if handlerErr == nil {
		handlerErr = m.emit(ctx, state, ta.Event, cmds)
	}

	now := m.now().UTC()
	if handlerErr != nil {
		state.Status, _ = pmMachine.Next(state.Status, PMFail)
		state.ErrorMessage = handlerErr.Error()
		state.LastUpdatedAt = now
		if saveErr := m.states.Save(ctx, state); saveErr != nil {
			m.logger.Error(ctx, "failed to persist process manager failure",
				"pm", def.Name, "instance_id", instanceID, "err", saveErr)
		}
		m.metrics.IncCounter("pm.failed", 1, "pm", def.Name)
		return handlerErr
	}

	state.Status, _ = pmMachine.Next(state.Status, PMSuccess)
	state.LastGlobalPosition = ta.Event.GlobalPosition
	state.ErrorMessage = ""
	state.LastUpdatedAt = now
	if err := m.states.Save(ctx, state); err != nil {
		return err
	}
	m.metrics.IncCounter("pm.completed", 1, "pm", def.Name)
	return nil
}

// begin moves the instance into processing. Completed instances reset first;
// failed instances retry.
func (m *PMManager) begin(ctx context.Context, state *PMState, evt *eventstore.Event) error {
	if state.Status == PMCompleted {
		next, err := pmMachine.AssertNext(state.Status, PMReset)
		if err != nil {
			return err
		}
		state.Status = next
	}
	event := PMStart
	if state.Status == PMFailed {
		event = PMRetry
	}
	next, err := pmMachine.AssertNext(state.Status, event)
	if err != nil {
		return err
	}
	state.Status = next
	state.TriggerEventID = evt.ID
	state.CorrelationID = evt.CorrelationID
	state.LastUpdatedAt = m.now().UTC()
	return m.states.Save(ctx, state)
}

// emit dispatches the handler's commands, stamping correlation and causation
// from the trigger event. The first rejected or failed dispatch aborts.
func (m *PMManager) emit(ctx context.Context, state *PMState, evt *eventstore.Event, cmds []*command.Envelope) error {
	for _, env := range cmds {
		if env.CorrelationID == "" {
			env.CorrelationID = evt.CorrelationID
		}
		if env.CausationID == "" {
			env.CausationID = evt.ID
		}
		res, err := m.commands.Dispatch(ctx, env)
		if err != nil {
			state.CommandsFailed++
			return fmt.Errorf("dispatch %s: %w", env.CommandType, err)
		}
		if res.Status != command.ResultSuccess {
			state.CommandsFailed++
			return fmt.Errorf("dispatch %s: %s (%s)", env.CommandType, res.Status, res.Code)
		}
		state.CommandsEmitted++
	}
	return nil
}
