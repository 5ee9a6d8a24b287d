package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/projection"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
)

// Component is the workpool component name for replay tasks.
const Component = "replay"

// chunkTarget is the workpool target replay chunk tasks resolve to.
var chunkTarget = workpool.Target{Component: Component, Operation: "chunk"}

// DefaultChunkSize applies when TriggerRebuild is called with chunkSize <= 0.
const DefaultChunkSize = 100

type (
	// Options configures an Engine.
	Options struct {
		// Events is the event store read side. Required.
		Events eventstore.Store
		// Projections applies events idempotently. Required.
		Projections *projection.Engine
		// Registry resolves projection definitions. Required.
		Registry *projection.Registry
		// Pool schedules chunk tasks. Required.
		Pool *workpool.Pool
		// Store persists replay checkpoints. Required.
		Store Store
		// Logger emits rebuild logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records rebuild counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Engine drives projection rebuilds.
	Engine struct {
		events      eventstore.Store
		projections *projection.Engine
		registry    *projection.Registry
		pool        *workpool.Pool
		store       Store
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// chunkArgs is the serialized payload of a replay chunk task.
	chunkArgs struct {
		ReplayID string `json:"replay_id"`
		// FromPosition is the exclusive lower bound of the chunk.
		FromPosition int64 `json:"from_position"`
	}

	// RebuildStatus is the progress report of one rebuild.
	RebuildStatus struct {
		Checkpoint           *Checkpoint `json:"checkpoint"`
		PercentComplete      float64     `json:"percent_complete"`
		EstimatedRemainingMs int64       `json:"estimated_remaining_ms,omitempty"`
	}
)

// NewEngine constructs an Engine and registers its chunk handler and
// completion callback on the pool.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Events == nil {
		return nil, errors.New("event store is required")
	}
	if opts.Projections == nil {
		return nil, errors.New("projection engine is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("projection registry is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("workpool is required")
	}
	if opts.Store == nil {
		return nil, errors.New("replay store is required")
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
		events:      opts.Events,
		projections: opts.Projections,
		registry:    opts.Registry,
		pool:        opts.Pool,
		store:       opts.Store,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if err := opts.Pool.Register(chunkTarget, e.processChunk); err != nil {
		return nil, err
	}
	opts.Pool.RegisterCompletion(Component, e.onDead)
	return e, nil
}

// TriggerRebuild starts a rebuild of the projection from fromPosition
// (exclusive; 0 replays everything). Returns ErrReplayActive when a running
// replay exists for the projection.
func (e *Engine) TriggerRebuild(ctx context.Context, projectionName string, fromPosition int64, chunkSize int) (*Checkpoint, error) {
	if _, err := e.registry.Get(projectionName); err != nil {
		return nil, err
	}
	active, err := e.store.ActiveForProjection(ctx, projectionName)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s (replay %s)", ErrReplayActive, projectionName, active.ReplayID)
	}

	maxPosition, err := e.events.GlobalPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("read max position: %w", err)
	}
	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition > maxPosition {
		fromPosition = maxPosition
	}
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	now := e.now().UTC()
	cp := &Checkpoint{
		ReplayID:       correlation.NewID(),
		Projection:     projectionName,
		StartPosition:  fromPosition,
		LastPosition:   fromPosition,
		TargetPosition: maxPosition,
		TotalEvents:    maxPosition - fromPosition,
		ChunkSize:      chunkSize,
		Status:         StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if cp.TotalEvents == 0 {
		cp.Status = StatusCompleted
		cp.CompletedAt = &now
		if err := e.store.Insert(ctx, cp); err != nil {
			return nil, err
		}
		return cp, nil
	}
	if err := e.store.Insert(ctx, cp); err != nil {
		return nil, err
	}
	if err := e.scheduleChunk(ctx, cp, fromPosition); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "rebuild triggered",
		"replay_id", cp.ReplayID, "projection", projectionName,
		"from_position", fromPosition, "target_position", maxPosition)
	return cp, nil
}

// CancelRebuild stops a running or paused rebuild. In-flight chunks observe
// the status on their next iteration and exit.
func (e *Engine) CancelRebuild(ctx context.Context, replayID string) error {
	cp, err := e.store.Get(ctx, replayID)
	if err != nil {
		return err
	}
	if cp.Status != StatusRunning && cp.Status != StatusPaused {
		return fmt.Errorf("replay %s is %s, cannot cancel", replayID, cp.Status)
	}
	cp.Status = StatusCancelled
	cp.UpdatedAt = e.now().UTC()
	return e.store.Update(ctx, cp)
}

// PauseRebuild suspends a running rebuild.
func (e *Engine) PauseRebuild(ctx context.Context, replayID string) error {
	cp, err := e.store.Get(ctx, replayID)
	if err != nil {
		return err
	}
	if cp.Status != StatusRunning {
		return fmt.Errorf("replay %s is %s, cannot pause", replayID, cp.Status)
	}
	cp.Status = StatusPaused
	cp.UpdatedAt = e.now().UTC()
	return e.store.Update(ctx, cp)
}

// ResumeRebuild continues a paused rebuild from its last position.
func (e *Engine) ResumeRebuild(ctx context.Context, replayID string) error {
	cp, err := e.store.Get(ctx, replayID)
	if err != nil {
		return err
	}
	if cp.Status != StatusPaused {
		return fmt.Errorf("replay %s is %s, cannot resume", replayID, cp.Status)
	}
	cp.Status = StatusRunning
	cp.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, cp); err != nil {
		return err
	}
	return e.scheduleChunk(ctx, cp, cp.LastPosition)
}

// Status reports rebuild progress. PercentComplete is rounded to one decimal
// and the remaining-time estimate is derived from observed throughput.
func (e *Engine) Status(ctx context.Context, replayID string) (*RebuildStatus, error) {
	cp, err := e.store.Get(ctx, replayID)
	if err != nil {
		return nil, err
	}
	status := &RebuildStatus{Checkpoint: cp, PercentComplete: 100}
	if cp.TotalEvents > 0 {
		done := float64(cp.LastPosition-cp.StartPosition) / float64(cp.TotalEvents)
		status.PercentComplete = math.Round(math.Min(done, 1)*1000) / 10
	}
	if cp.Status == StatusRunning && cp.EventsProcessed > 0 {
		elapsed := e.now().UTC().Sub(cp.StartedAt)
		if elapsed > 0 {
			// Throughput in positions per second; the estimate is advisory.
			throughput := float64(cp.LastPosition-cp.StartPosition) / elapsed.Seconds()
			remaining := float64(cp.TargetPosition - cp.LastPosition)
			if throughput > 0 && remaining > 0 {
				status.EstimatedRemainingMs = int64(remaining / throughput * 1000)
			}
		}
	}
	return status, nil
}

// ListByStatus exposes checkpoints for admin views.
func (e *Engine) ListByStatus(ctx context.Context, status Status) ([]*Checkpoint, error) {
	return e.store.ListByStatus(ctx, status)
}

func (e *Engine) scheduleChunk(ctx context.Context, cp *Checkpoint, from int64) error {
	_, err := e.pool.Enqueue(ctx, chunkTarget, chunkArgs{ReplayID: cp.ReplayID, FromPosition: from}, workpool.EnqueueOptions{
		PartitionKey: Component + ":" + cp.Projection,
	})
	if err != nil {
		return fmt.Errorf("schedule replay chunk: %w", err)
	}
	return nil
}

// processChunk is the workpool handler for replay chunk tasks.
func (e *Engine) processChunk(ctx context.Context, raw json.RawMessage) error {
	var args chunkArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode replay chunk: %w", err)
	}
	cp, err := e.store.Get(ctx, args.ReplayID)
	if err != nil {
		return err
	}
	if cp.Status != StatusRunning {
		e.logger.Info(ctx, "replay chunk skipped, replay not running",
			"replay_id", cp.ReplayID, "status", cp.Status)
		return nil
	}
	def, err := e.registry.Get(cp.Projection)
	if err != nil {
		return err
	}

	events, err := e.events.ReadFromPosition(ctx, args.FromPosition, cp.ChunkSize, nil)
	if err != nil {
		return fmt.Errorf("read replay chunk: %w", err)
	}
	for _, evt := range events {
		if _, ok := def.Handlers[evt.Type]; !ok {
			continue
		}
		if err := e.projections.Apply(ctx, cp.Projection, evt); err != nil {
			return fmt.Errorf("apply %s during replay: %w", evt.ID, err)
		}
	}

	now := e.now().UTC()
	if len(events) > 0 {
		cp.LastPosition = events[len(events)-1].GlobalPosition
		cp.EventsProcessed += int64(len(events))
		cp.ChunksCompleted++
	}
	cp.UpdatedAt = now
	e.metrics.IncCounter("replay.events_processed", float64(len(events)), "projection", cp.Projection)

	if len(events) == cp.ChunkSize {
		if err := e.store.Update(ctx, cp); err != nil {
			return err
		}
		return e.scheduleChunk(ctx, cp, cp.LastPosition)
	}
	cp.Status = StatusCompleted
	cp.CompletedAt = &now
	if err := e.store.Update(ctx, cp); err != nil {
		return err
	}
	e.logger.Info(ctx, "rebuild completed",
		"replay_id", cp.ReplayID, "projection", cp.Projection,
		"events_processed", cp.EventsProcessed, "chunks", cp.ChunksCompleted)
	return nil
}

// onDead marks the replay failed when a chunk exhausts its retries.
func (e *Engine) onDead(ctx context.Context, task *workpool.Task) {
	var args chunkArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		e.logger.Error(ctx, "failed to decode dead replay task", "task_id", task.ID, "err", err)
		return
	}
	cp, err := e.store.Get(ctx, args.ReplayID)
	if err != nil {
		e.logger.Error(ctx, "failed to load replay for dead chunk", "replay_id", args.ReplayID, "err", err)
		return
	}
	if cp.Status != StatusRunning {
		return
	}
	cp.Status = StatusFailed
	cp.Error = task.LastError
	cp.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, cp); err != nil {
		e.logger.Error(ctx, "failed to mark replay failed", "replay_id", cp.ReplayID, "err", err)
	}
	e.metrics.IncCounter("replay.failed", 1, "projection", cp.Projection)
}
