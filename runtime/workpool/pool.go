package workpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/telemetry"
)

type (
	// Options configures a Pool.
	Options struct {
		// Store is the durable task store. Required.
		Store Store
		// MaxParallelism bounds concurrent task execution. Defaults to 4.
		MaxParallelism int
		// PollInterval is the idle poll cadence of workers. Defaults to 250ms.
		PollInterval time.Duration
		// DefaultMaxAttempts applies when EnqueueOptions omit it. Defaults to 3.
		DefaultMaxAttempts int
		// DefaultInitialBackoff applies when EnqueueOptions omit it. Defaults to 200ms.
		DefaultInitialBackoff time.Duration
		// DefaultBase applies when EnqueueOptions omit it. Defaults to 2.
		DefaultBase float64
		// Logger emits pool lifecycle and failure logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records task counters and partition depth. Defaults to no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Pool dispatches tasks from the store to registered handlers with
	// bounded parallelism and per-partition serialization. Within one
	// process, a partition key has at most one running task at a time.
	Pool struct {
		store    Store
		registry *registry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		maxParallelism int
		pollInterval   time.Duration
		defaults       EnqueueOptions

		mu       sync.Mutex
		busy     map[string]struct{}
		started  bool
		stopCh   chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}
)

// New constructs a Pool. Handlers must be registered before Start or Drain.
func New(opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.DefaultInitialBackoff <= 0 {
		opts.DefaultInitialBackoff = 200 * time.Millisecond
	}
	if opts.DefaultBase <= 0 {
		opts.DefaultBase = 2
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
	return &Pool{
		store:          opts.Store,
		registry:       newRegistry(),
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		maxParallelism: opts.MaxParallelism,
		pollInterval:   opts.PollInterval,
		defaults: EnqueueOptions{
			MaxAttempts:    opts.DefaultMaxAttempts,
			InitialBackoff: opts.DefaultInitialBackoff,
			Base:           opts.DefaultBase,
		},
		busy:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}, nil
}

// Register binds a handler to a target descriptor. Registration is a startup
// concern; duplicate targets are an error.
func (p *Pool) Register(target Target, h Handler) error {
	return p.registry.register(target, h)
}

// RegisterCompletion binds a dead-task callback to a component. The callback
// runs after a task targeting the component moves to the dead state.
func (p *Pool) RegisterCompletion(component string, fn CompletionFunc) {
	p.registry.registerCompletion(component, fn)
}

// Enqueue persists a task for the target with the given args and returns its
// ID. The task becomes eligible immediately unless opts.Delay is set.
func (p *Pool) Enqueue(ctx context.Context, target Target, args any, opts EnqueueOptions) (string, error) {
	if _, ok := p.registry.resolve(target); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal task args: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = p.defaults.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = p.defaults.InitialBackoff
	}
	if opts.Base <= 0 {
		opts.Base = p.defaults.Base
	}
	now := p.now().UTC()
	task := &Task{
		ID:             correlation.NewID(),
		Target:         target,
		Args:           raw,
		PartitionKey:   opts.PartitionKey,
		MaxAttempts:    opts.MaxAttempts,
		InitialBackoff: opts.InitialBackoff,
		BackoffBase:    opts.Base,
		NextRunAt:      now.Add(opts.Delay),
		State:          TaskScheduled,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
	if err := p.store.Insert(ctx, task); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	p.metrics.IncCounter("workpool.enqueued", 1, "component", target.Component)
	return task.ID, nil
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls are
// no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn(ctx, "workpool already started")
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info(ctx, "starting workpool", "parallelism", p.maxParallelism)
	for i := 0; i < p.maxParallelism; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// Stop signals workers to stop and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Drain synchronously processes tasks in the caller's goroutine until none
// remain or ctx is done. Backoff delays are skipped so retry exhaustion runs
// to completion; partition FIFO order is preserved. Drain exists for tests
// and single-shot batch processing.
func (p *Pool) Drain(ctx context.Context) error {
	// Claiming at a far-future instant makes every scheduled task eligible
	// regardless of its retry delay.
	horizon := p.now().UTC().Add(24 * 365 * time.Hour)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := p.store.Claim(ctx, horizon, nil)
		if errors.Is(err, ErrNoTasksReady) {
			return nil
		}
		if err != nil {
			return err
		}
		p.execute(ctx, task)
	}
}

// PartitionDepths reports the scheduled backlog per partition key.
func (p *Pool) PartitionDepths(ctx context.Context) (map[string]int, error) {
	return p.store.PartitionDepths(ctx)
}

// Task returns the durable record for a task ID.
func (p *Pool) Task(ctx context.Context, id string) (*Task, error) {
	return p.store.Get(ctx, id)
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		task, err := p.claim(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoTasksReady) {
				p.logger.Error(ctx, "workpool claim failed", "err", err)
			}
			p.sleep(p.jitteredPoll())
			continue
		}
		p.execute(ctx, task)
	}
}

// claim selects the next eligible task, honoring partition serialization.
func (p *Pool) claim(ctx context.Context) (*Task, error) {
	p.mu.Lock()
	busy := make([]string, 0, len(p.busy))
	for key := range p.busy {
		busy = append(busy, key)
	}
	p.mu.Unlock()

	task, err := p.store.Claim(ctx, p.now().UTC(), busy)
	if err != nil {
		return nil, err
	}
	if task.PartitionKey != "" {
		p.mu.Lock()
		if _, taken := p.busy[task.PartitionKey]; taken {
			// Lost the race to another worker in this process; reschedule.
			p.mu.Unlock()
			task.State = TaskScheduled
			task.UpdatedAt = p.now().UTC()
			if uerr := p.store.Update(ctx, task); uerr != nil {
				return nil, uerr
			}
			return nil, ErrNoTasksReady
		}
		p.busy[task.PartitionKey] = struct{}{}
		p.mu.Unlock()
	}
	return task, nil
}

func (p *Pool) execute(ctx context.Context, task *Task) {
	defer func() {
		if task.PartitionKey != "" {
			p.mu.Lock()
			delete(p.busy, task.PartitionKey)
			p.mu.Unlock()
		}
	}()

	handler, ok := p.registry.resolve(task.Target)
	if !ok {
		// Programming error: a persisted task references a target this
		// process never registered. No retry.
		task.State = TaskDead
		task.LastError = fmt.Sprintf("unknown target %s", task.Target)
		task.UpdatedAt = p.now().UTC()
		if err := p.store.Update(ctx, task); err != nil {
			p.logger.Error(ctx, "failed to bury task with unknown target", "task_id", task.ID, "err", err)
		}
		p.runCompletion(ctx, task)
		return
	}

	start := p.now()
	task.AttemptCount++
	err := handler(ctx, task.Args)
	task.UpdatedAt = p.now().UTC()
	p.metrics.RecordTimer("workpool.task_duration", p.now().Sub(start), "component", task.Target.Component)

	if err == nil {
		task.State = TaskSucceeded
		task.LastError = ""
		if uerr := p.store.Update(ctx, task); uerr != nil {
			p.logger.Error(ctx, "failed to mark task succeeded", "task_id", task.ID, "err", uerr)
		}
		return
	}

	task.LastError = err.Error()
	if task.AttemptCount >= task.MaxAttempts {
		task.State = TaskDead
		p.logger.Error(ctx, "task exhausted retries",
			"task_id", task.ID, "target", task.Target.String(),
			"attempts", task.AttemptCount, "err", err)
		p.metrics.IncCounter("workpool.dead", 1, "component", task.Target.Component)
		if uerr := p.store.Update(ctx, task); uerr != nil {
			p.logger.Error(ctx, "failed to bury task", "task_id", task.ID, "err", uerr)
		}
		p.runCompletion(ctx, task)
		return
	}

	task.State = TaskScheduled
	task.NextRunAt = p.now().UTC().Add(p.backoff(task))
	p.logger.Warn(ctx, "task failed, retrying",
		"task_id", task.ID, "target", task.Target.String(),
		"attempt", task.AttemptCount, "next_run_at", task.NextRunAt, "err", err)
	if uerr := p.store.Update(ctx, task); uerr != nil {
		p.logger.Error(ctx, "failed to reschedule task", "task_id", task.ID, "err", uerr)
	}
}

func (p *Pool) runCompletion(ctx context.Context, task *Task) {
	fn, ok := p.registry.completion(task.Target.Component)
	if !ok {
		return
	}
	fn(ctx, task)
}

// backoff computes delay = initial * base^(attempt-1) with +/-20% jitter.
func (p *Pool) backoff(task *Task) time.Duration {
	exp := math.Pow(task.BackoffBase, float64(task.AttemptCount-1))
	delay := time.Duration(float64(task.InitialBackoff) * exp)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (p *Pool) jitteredPoll() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(p.pollInterval) / 2))
	return p.pollInterval/2 + jitter
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}
