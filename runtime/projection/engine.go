package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
)

// Component is the workpool component name for projection tasks.
const Component = "projection"

// applyTarget is the single workpool target all projection tasks resolve to.
var applyTarget = workpool.Target{Component: Component, Operation: "apply"}

type (
	// Options configures an Engine.
	Options struct {
		// Registry holds the projection definitions. Required.
		Registry *Registry
		// Pool dispatches projection tasks. Required.
		Pool *workpool.Pool
		// Checkpoints persists per-partition progress. Required.
		Checkpoints CheckpointStore
		// Poison persists per-event failure records. Required.
		Poison PoisonStore
		// DeadLetters persists retry-exhaustion records. Required.
		DeadLetters DeadLetterStore
		// Logger emits engine logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records apply counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Engine schedules events onto projections and applies them with
	// checkpoint idempotency, quarantine halting and dead-letter recording.
	Engine struct {
		registry    *Registry
		pool        *workpool.Pool
		checkpoints CheckpointStore
		poison      PoisonStore
		deadLetters DeadLetterStore
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// taskArgs is the serialized payload of a projection workpool task.
	taskArgs struct {
		Projection string           `json:"projection"`
		Event      eventstore.Event `json:"event"`
	}
)

// NewEngine constructs an Engine and registers its handler and completion
// callback on the pool.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("workpool is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.Poison == nil {
		return nil, errors.New("poison store is required")
	}
	if opts.DeadLetters == nil {
		return nil, errors.New("dead letter store is required")
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
	e := &Engine{
		registry:    opts.Registry,
		pool:        opts.Pool,
		checkpoints: opts.Checkpoints,
		poison:      opts.Poison,
		deadLetters: opts.DeadLetters,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if err := opts.Pool.Register(applyTarget, e.apply); err != nil {
		return nil, err
	}
	opts.Pool.RegisterCompletion(Component, e.onDead)
	return e, nil
}

// Schedule enqueues one event for one projection. The task's partition key
// combines the projection name with the event's derived key so per-entity
// ordering holds per projection without coupling distinct projections.
func (e *Engine) Schedule(ctx context.Context, projection string, evt *eventstore.Event) (string, error) {
	def, err := e.registry.Get(projection)
	if err != nil {
		return "", err
	}
	if _, ok := def.Handlers[evt.Type]; !ok {
		return "", fmt.Errorf("projection %s has no handler for %s", projection, evt.Type)
	}
	partition := def.Name
	if key := def.PartitionKey(evt); key != "" {
		partition = def.Name + ":" + key
	}
	return e.pool.Enqueue(ctx, applyTarget, taskArgs{Projection: def.Name, Event: *evt}, workpool.EnqueueOptions{
		PartitionKey: partition,
	})
}

// ScheduleMatching enqueues the event for every projection that handles its
// type and returns the task IDs.
func (e *Engine) ScheduleMatching(ctx context.Context, evt *eventstore.Event) ([]string, error) {
	defs := e.registry.ByEventType(evt.Type)
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		id, err := e.Schedule(ctx, def.Name, evt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Apply runs the projection's handler for the event under checkpoint
// idempotency, bypassing the workpool. Replay chunks use it directly since
// the replay task already owns a serialized partition.
func (e *Engine) Apply(ctx context.Context, projection string, evt *eventstore.Event) error {
	def, err := e.registry.Get(projection)
	if err != nil {
		return err
	}
	handler, ok := def.Handlers[evt.Type]
	if !ok {
		return nil
	}
	return e.WithCheckpoint(ctx, def.Name, def.PartitionKey(evt), evt, handler)
}

// WithCheckpoint gates fn on the (projection, partition) checkpoint: events
// at or below the checkpoint are skipped, and success advances the
// checkpoint.
func (e *Engine) WithCheckpoint(ctx context.Context, projection, partition string, evt *eventstore.Event, fn Handler) error {
	cp, err := e.checkpoints.Get(ctx, projection, partition)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if evt.GlobalPosition <= cp.LastGlobalPosition {
		e.metrics.IncCounter("projection.skipped", 1, "projection", projection)
		return nil
	}
	if err := fn(ctx, evt); err != nil {
		return err
	}
	cp.LastGlobalPosition = evt.GlobalPosition
	cp.LastEventID = evt.ID
	cp.UpdatedAt = e.now().UTC()
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.metrics.IncCounter("projection.applied", 1, "projection", projection)
	return nil
}

// ReplayPoison re-runs a quarantined event through the projection handler and
// marks the record replayed on success.
func (e *Engine) ReplayPoison(ctx context.Context, projection, eventID, resolvedBy, notes string) error {
	record, err := e.poison.Get(ctx, projection, eventID)
	if err != nil {
		return err
	}
	if record.Status != PoisonQuarantined {
		return fmt.Errorf("poison event %s is %s, not quarantined", eventID, record.Status)
	}
	var evt eventstore.Event
	if err := json.Unmarshal(record.EventPayload, &evt); err != nil {
		return fmt.Errorf("decode poisoned event: %w", err)
	}
	if err := e.Apply(ctx, projection, &evt); err != nil {
		return fmt.Errorf("replay poisoned event: %w", err)
	}
	return e.poison.SetStatus(ctx, projection, eventID, PoisonReplayed, resolvedBy, notes)
}

// IgnorePoison marks a quarantined event permanently skipped for the
// projection and advances the checkpoint past it so the partition unblocks.
func (e *Engine) IgnorePoison(ctx context.Context, projection, eventID, resolvedBy, notes string) error {
	record, err := e.poison.Get(ctx, projection, eventID)
	if err != nil {
		return err
	}
	if record.Status != PoisonQuarantined {
		return fmt.Errorf("poison event %s is %s, not quarantined", eventID, record.Status)
	}
	cp, err := e.checkpoints.Get(ctx, projection, record.PartitionKey)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if record.GlobalPosition > cp.LastGlobalPosition {
		cp.LastGlobalPosition = record.GlobalPosition
		cp.LastEventID = record.EventID
		cp.UpdatedAt = e.now().UTC()
		if err := e.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return e.poison.SetStatus(ctx, projection, eventID, PoisonIgnored, resolvedBy, notes)
}

// Quarantined lists quarantined poison events, optionally filtered by
// projection.
func (e *Engine) Quarantined(ctx context.Context, projection string) ([]*PoisonEvent, error) {
	return e.poison.ListByStatus(ctx, projection, PoisonQuarantined)
}

// DeadLettersPending lists unreviewed dead letters, optionally filtered by
// projection.
func (e *Engine) DeadLettersPending(ctx context.Context, projection string) ([]*DeadLetter, error) {
	return e.deadLetters.List(ctx, projection, DeadLetterPending)
}

// Checkpoints exposes the checkpoint store, for replay resets and admin
// views.
func (e *Engine) Checkpoints() CheckpointStore { return e.checkpoints }

// apply is the workpool handler for projection tasks.
func (e *Engine) apply(ctx context.Context, raw json.RawMessage) error {
	var args taskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode projection task: %w", err)
	}
	def, err := e.registry.Get(args.Projection)
	if err != nil {
		return err
	}
	evt := args.Event
	handler, ok := def.Handlers[evt.Type]
	if !ok {
		return fmt.Errorf("projection %s has no handler for %s", def.Name, evt.Type)
	}
	partition := def.PartitionKey(&evt)

	// A quarantined earlier event on this partition halts later events so
	// per-entity order survives the quarantine. The checkpoint stays put;
	// admin resolution of the quarantine unblocks a rebuild.
	halted, err := e.poison.QuarantinedOnPartition(ctx, def.Name, partition)
	if err != nil {
		return fmt.Errorf("check quarantine: %w", err)
	}
	if halted {
		e.logger.Warn(ctx, "projection partition halted by quarantined event",
			"projection", def.Name, "partition", partition, "event_id", evt.ID)
		e.metrics.IncCounter("projection.halted", 1, "projection", def.Name)
		return nil
	}

	if err := e.WithCheckpoint(ctx, def.Name, partition, &evt, handler); err != nil {
		e.recordFailure(ctx, def.Name, partition, &evt, err)
		return err
	}
	return nil
}

// recordFailure upserts the pending poison record for a failed apply.
func (e *Engine) recordFailure(ctx context.Context, projection, partition string, evt *eventstore.Event, cause error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		e.logger.Error(ctx, "failed to encode poisoned event", "event_id", evt.ID, "err", err)
	}
	record := &PoisonEvent{
		EventID:        evt.ID,
		EventType:      evt.Type,
		ProjectionName: projection,
		PartitionKey:   partition,
		GlobalPosition: evt.GlobalPosition,
		Status:         PoisonPending,
		Error:          cause.Error(),
		EventPayload:   payload,
		UpdatedAt:      e.now().UTC(),
	}
	if err := e.poison.RecordFailure(ctx, record); err != nil {
		e.logger.Error(ctx, "failed to record poison event",
			"projection", projection, "event_id", evt.ID, "err", err)
	}
}

// onDead handles retry exhaustion: it quarantines the poison record and
// writes a pending dead letter.
func (e *Engine) onDead(ctx context.Context, task *workpool.Task) {
	var args taskArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		e.logger.Error(ctx, "failed to decode dead projection task", "task_id", task.ID, "err", err)
		return
	}
	if err := e.poison.SetStatus(ctx, args.Projection, args.Event.ID, PoisonQuarantined, "", ""); err != nil && !errors.Is(err, ErrPoisonNotFound) {
		e.logger.Error(ctx, "failed to quarantine poison event",
			"projection", args.Projection, "event_id", args.Event.ID, "err", err)
	}
	dl := &DeadLetter{
		ID:             correlation.NewID(),
		ProjectionName: args.Projection,
		EventID:        args.Event.ID,
		EventType:      args.Event.Type,
		TaskID:         task.ID,
		Error:          task.LastError,
		Status:         DeadLetterPending,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.deadLetters.Insert(ctx, dl); err != nil {
		e.logger.Error(ctx, "failed to record projection dead letter",
			"projection", args.Projection, "event_id", args.Event.ID, "err", err)
	}
	e.metrics.IncCounter("projection.dead_letter", 1, "projection", args.Projection)
}
