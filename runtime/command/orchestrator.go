package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/projection"
	"goa.design/sourced/runtime/telemetry"
)

type (
	// SagaRouter starts sagas for appended events. The saga engine registers
	// itself here so the orchestrator never imports it.
	SagaRouter interface {
		StartForEvent(ctx context.Context, sagaType string, evt *eventstore.Event) error
	}

	// Subscriber is notified of every appended event, after projections are
	// scheduled. The agent runtime subscribes through this hook.
	Subscriber interface {
		EventAppended(ctx context.Context, evt *eventstore.Event) error
	}

	// Options configures an Orchestrator.
	Options struct {
		// Records persists command records. Required.
		Records RecordStore
		// Events is the event store. Required.
		Events eventstore.Store
		// Projections schedules read-model updates. Required.
		Projections *projection.Engine
		// Middlewares run in order around the domain handler.
		Middlewares []Middleware
		// Sagas starts sagas for configured command types. Optional.
		Sagas SagaRouter
		// Subscribers are notified of appended events. Optional.
		Subscribers []Subscriber
		// Logger emits pipeline logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records command counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Orchestrator executes commands through the 7-step pipeline: record,
	// middleware, handler, rejection handling, append, projection and saga
	// scheduling, completion.
	Orchestrator struct {
		records     RecordStore
		events      eventstore.Store
		projections *projection.Engine
		chain       Middleware
		sagas       SagaRouter
		subscribers []Subscriber
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time

		mu      sync.RWMutex
		configs map[string]*Config
	}
)

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Records == nil {
		return nil, errors.New("command record store is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event store is required")
	}
	if opts.Projections == nil {
		return nil, errors.New("projection engine is required")
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
	return &Orchestrator{
		records:     opts.Records,
		events:      opts.Events,
		projections: opts.Projections,
		chain:       Chain(opts.Middlewares...),
		sagas:       opts.Sagas,
		subscribers: opts.Subscribers,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		configs:     make(map[string]*Config),
	}, nil
}

// Register binds a command config. Registration is a startup concern;
// duplicate command types are an error.
func (o *Orchestrator) Register(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.CommandType == "" {
		return errors.New("command type is required")
	}
	if cfg.Context == "" {
		return errors.New("command context is required")
	}
	if cfg.Handler == nil {
		return errors.New("command handler is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.configs[cfg.CommandType]; ok {
		return fmt.Errorf("command %s already registered", cfg.CommandType)
	}
	o.configs[cfg.CommandType] = cfg
	return nil
}

// Config returns the registered config for a command type.
func (o *Orchestrator) Config(commandType string) (*Config, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cfg, ok := o.configs[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, commandType)
	}
	return cfg, nil
}

// Execute runs the command pipeline and returns the result union. Duplicate
// command IDs return the stored prior result for terminal records and
// ErrCommandInFlight for pending ones.
func (o *Orchestrator) Execute(ctx context.Context, env *Envelope) (*Result, error) {
	cfg, err := o.Config(env.CommandType)
	if err != nil {
		return nil, err
	}
	if env.CommandID == "" {
		env.CommandID = correlation.NewID()
	}
	env.CorrelationID = correlation.EnsureID(env.CorrelationID)
	if env.Timestamp.IsZero() {
		env.Timestamp = o.now().UTC()
	}

	// Step 1: record the command; duplicates short-circuit.
	now := o.now().UTC()
	existing, created, err := o.records.CreateIfAbsent(ctx, &Record{
		CommandID:     env.CommandID,
		CommandType:   env.CommandType,
		Status:        StatusPending,
		CorrelationID: env.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("record command: %w", err)
	}
	if !created {
		if existing.Status == StatusPending {
			return nil, fmt.Errorf("%w: %s", ErrCommandInFlight, env.CommandID)
		}
		var prior Result
		if err := json.Unmarshal(existing.ResultDigest, &prior); err != nil {
			return nil, fmt.Errorf("decode prior result for %s: %w", env.CommandID, err)
		}
		o.metrics.IncCounter("command.duplicate", 1, "command", env.CommandType)
		return &prior, nil
	}

	// Steps 2 through 6 run inside the middleware chain.
	res, err := o.chain(func(ctx context.Context, env *Envelope) (*Result, error) {
		return o.invoke(ctx, cfg, env)
	})(ctx, env)
	if err != nil {
		o.finish(ctx, env.CommandID, StatusFailed, Errored(err.Error()))
		return nil, err
	}

	// Step 7: complete the record. Projections are already enqueued, so a
	// failure here is logged and the caller still gets the result; the
	// record stays pending for operator attention.
	o.finish(ctx, env.CommandID, recordStatusFor(res), res)
	o.metrics.IncCounter("command.executed", 1, "command", env.CommandType, "status", string(res.Status))
	return res, nil
}

// invoke runs steps 3 through 6: domain handler, rejection handling, append,
// projection and saga scheduling.
func (o *Orchestrator) invoke(ctx context.Context, cfg *Config, env *Envelope) (*Result, error) {
	hr, err := cfg.Handler(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", env.CommandType, err)
	}

	// Step 4: rejections and conflicts surface without appending.
	switch hr.Status {
	case ResultRejected:
		return Rejected(hr.Code, hr.Reason, hr.Context), nil
	case ResultConflict:
		return Conflict(hr.CurrentVersion), nil
	case ResultError:
		return Errored(hr.Message), nil
	}
	if len(hr.Events) == 0 {
		return Success(hr.ExpectedVersion, hr.Data), nil
	}

	// Step 5: append with the version the handler read.
	for i := range hr.Events {
		evt := &hr.Events[i]
		evt.Metadata.CorrelationID = env.CorrelationID
		if evt.Metadata.CausationID == "" {
			evt.Metadata.CausationID = env.CommandID
		}
		if evt.Metadata.UserID == "" {
			evt.Metadata.UserID = env.UserID
		}
		if evt.IdempotencyKey == "" && env.IdempotencyKey != "" {
			evt.IdempotencyKey = env.IdempotencyKey
		}
	}
	appended, err := o.events.Append(ctx, hr.StreamType, hr.StreamID, hr.ExpectedVersion, cfg.Context, hr.Events)
	if err != nil {
		if conflict, ok := eventstore.IsConflict(err); ok {
			return Conflict(conflict.CurrentVersion), nil
		}
		return nil, fmt.Errorf("append events: %w", err)
	}

	// Step 6: schedule projections and route to sagas and subscribers.
	stored, err := o.events.ReadStream(ctx, hr.StreamType, hr.StreamID, hr.ExpectedVersion, len(hr.Events))
	if err != nil {
		return nil, fmt.Errorf("read appended events: %w", err)
	}
	for _, evt := range stored {
		if err := o.schedule(ctx, cfg, evt); err != nil {
			return nil, err
		}
	}
	return Success(appended.NewVersion, hr.Data), nil
}

func (o *Orchestrator) schedule(ctx context.Context, cfg *Config, evt *eventstore.Event) error {
	names := make([]string, 0, 1+len(cfg.SecondaryProjections))
	if cfg.PrimaryProjection != "" {
		names = append(names, cfg.PrimaryProjection)
	}
	names = append(names, cfg.SecondaryProjections...)
	for _, name := range names {
		if _, err := o.projections.Schedule(ctx, name, evt); err != nil {
			return fmt.Errorf("schedule projection %s: %w", name, err)
		}
	}
	if o.sagas != nil {
		for _, sagaType := range cfg.SagaTypes {
			if err := o.sagas.StartForEvent(ctx, sagaType, evt); err != nil {
				return fmt.Errorf("start saga %s: %w", sagaType, err)
			}
		}
	}
	for _, sub := range o.subscribers {
		if err := sub.EventAppended(ctx, evt); err != nil {
			o.logger.Error(ctx, "event subscriber failed",
				"event_id", evt.ID, "event_type", evt.Type, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, commandID string, status RecordStatus, res *Result) {
	digest, err := json.Marshal(res)
	if err != nil {
		o.logger.Error(ctx, "failed to encode result digest", "command_id", commandID, "err", err)
		return
	}
	if err := o.records.Finish(ctx, commandID, status, digest); err != nil {
		o.logger.Error(ctx, "failed to complete command record",
			"command_id", commandID, "status", status, "err", err)
	}
}
