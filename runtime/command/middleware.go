package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"goa.design/sourced/runtime/telemetry"
)

type (
	// Next continues the middleware chain.
	Next func(ctx context.Context, env *Envelope) (*Result, error)

	// Middleware wraps command execution. A middleware may short-circuit by
	// returning a rejection without calling next.
	Middleware func(next Next) Next

	// SchemaRegistry compiles and holds payload schemas per command type.
	SchemaRegistry struct {
		mu      sync.RWMutex
		schemas map[string]*jsonschema.Schema
	}
)

// Chain composes middlewares so the first one listed runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Next) Next {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// NewSchemaRegistry constructs an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and binds it to the command type.
func (r *SchemaRegistry) Register(commandType string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", commandType, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", commandType, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", commandType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[commandType] = schema
	return nil
}

// Validate checks the payload against the command type's schema. Command
// types without a registered schema pass.
func (r *SchemaRegistry) Validate(commandType string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[commandType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return schema.Validate(doc)
}

// ValidationMiddleware rejects commands whose payload fails the registered
// schema.
func ValidationMiddleware(registry *SchemaRegistry) Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, env *Envelope) (*Result, error) {
			if err := registry.Validate(env.CommandType, env.Payload); err != nil {
				return Rejected("VALIDATION_FAILED", err.Error(), nil), nil
			}
			return next(ctx, env)
		}
	}
}

// LoggingMiddleware logs each command with its outcome and timing.
func LoggingMiddleware(logger telemetry.Logger, metrics telemetry.Metrics, now func() time.Time) Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next Next) Next {
		return func(ctx context.Context, env *Envelope) (*Result, error) {
			start := now()
			logger.Info(ctx, "command received",
				"command_id", env.CommandID, "command_type", env.CommandType,
				"correlation_id", env.CorrelationID, "user_id", env.UserID)
			res, err := next(ctx, env)
			elapsed := now().Sub(start)
			metrics.RecordTimer("command.duration", elapsed, "command", env.CommandType)
			if err != nil {
				logger.Error(ctx, "command errored",
					"command_id", env.CommandID, "command_type", env.CommandType,
					"duration_ms", elapsed.Milliseconds(), "err", err)
				return nil, err
			}
			logger.Info(ctx, "command finished",
				"command_id", env.CommandID, "command_type", env.CommandType,
				"status", res.Status, "duration_ms", elapsed.Milliseconds())
			return res, nil
		}
	}
}

type (
	// RateLimitOptions tunes the per-(user, command) limiter.
	RateLimitOptions struct {
		// Rate is the sustained commands per second. Defaults to 10.
		Rate rate.Limit
		// Burst is the instantaneous allowance. Defaults to 20.
		Burst int
	}

	limiterKey struct {
		user    string
		command string
	}
)

// RateLimitMiddleware rejects commands exceeding the (user, command) rate.
func RateLimitMiddleware(opts RateLimitOptions) Middleware {
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	var (
		mu       sync.Mutex
		limiters = make(map[limiterKey]*rate.Limiter)
	)
	limiterFor := func(user, command string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		key := limiterKey{user: user, command: command}
		lim, ok := limiters[key]
		if !ok {
			lim = rate.NewLimiter(opts.Rate, opts.Burst)
			limiters[key] = lim
		}
		return lim
	}
	return func(next Next) Next {
		return func(ctx context.Context, env *Envelope) (*Result, error) {
			if !limiterFor(env.UserID, env.CommandType).Allow() {
				return Rejected("RATE_LIMITED", "command rate limit exceeded", map[string]any{
					"userId":      env.UserID,
					"commandType": env.CommandType,
				}), nil
			}
			return next(ctx, env)
		}
	}
}

// Authorizer decides whether the envelope's user may run the command.
type Authorizer func(ctx context.Context, env *Envelope) error

// AuthMiddleware rejects commands the authorizer denies.
func AuthMiddleware(authorize Authorizer) Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, env *Envelope) (*Result, error) {
			if err := authorize(ctx, env); err != nil {
				return Rejected("UNAUTHORIZED", err.Error(), nil), nil
			}
			return next(ctx, env)
		}
	}
}
