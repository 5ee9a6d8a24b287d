// Package dcb implements dynamic consistency boundaries: named, versioned
// scopes that span multiple event streams and extend the store's per-stream
// optimistic concurrency to a multi-stream unit of work. A handler that must
// reason about several streams at once acquires a scope, reads its virtual
// stream, validates invariants, and commits against the scope version; any
// concurrent commit touching the scope is detected as a conflict.
package dcb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/sourced/runtime/eventstore"
	"goa.design/sourced/runtime/telemetry"
)

// ErrScopeNotFound is returned when no scope matches a key.
var ErrScopeNotFound = errors.New("scope not found")

// VersionStatus is the outcome of a scope version check.
type VersionStatus string

const (
	// VersionMatch means the scope exists at the expected version.
	VersionMatch VersionStatus = "match"
	// VersionMismatch means the scope exists at a different version.
	VersionMismatch VersionStatus = "mismatch"
	// VersionNotFound means no scope exists under the key.
	VersionNotFound VersionStatus = "not_found"
)

type (
	// StreamRef identifies one stream inside a scope.
	StreamRef struct {
		StreamType string `bson:"stream_type" json:"stream_type"`
		StreamID   string `bson:"stream_id" json:"stream_id"`
	}

	// Scope is a versioned consistency boundary over a set of streams.
	// CurrentVersion is monotone; commits bump it under OCC.
	Scope struct {
		ScopeKey       string      `bson:"scope_key" json:"scope_key"`
		CurrentVersion int64       `bson:"current_version" json:"current_version"`
		Streams        []StreamRef `bson:"streams" json:"streams"`
		CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
		LastUpdatedAt  time.Time   `bson:"last_updated_at" json:"last_updated_at"`
	}

	// VersionCheck reports a scope version comparison. CurrentVersion is set
	// on match and mismatch.
	VersionCheck struct {
		Status         VersionStatus `json:"status"`
		CurrentVersion int64         `json:"current_version,omitempty"`
	}

	// ConflictError reports a scope OCC failure. The engine never retries
	// internally.
	ConflictError struct {
		ScopeKey       string
		Expected       int64
		CurrentVersion int64
	}

	// Store persists scopes.
	Store interface {
		// GetOrCreate returns the scope, creating it at version 0 when absent.
		GetOrCreate(ctx context.Context, key string) (*Scope, error)

		// Get returns the scope or ErrScopeNotFound.
		Get(ctx context.Context, key string) (*Scope, error)

		// Commit bumps the scope from expectedVersion to expectedVersion+1 and
		// union-merges streams. A version mismatch returns *ConflictError.
		// Committing an absent scope with expectedVersion 0 creates it at
		// version 1.
		Commit(ctx context.Context, key string, expectedVersion int64, streams []StreamRef) (*Scope, error)
	}

	// EngineOptions configures an Engine.
	EngineOptions struct {
		// Scopes is the scope store. Required.
		Scopes Store
		// Events supplies stream reads for virtual streams. Required.
		Events eventstore.Store
		// Logger emits engine logs. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Engine is the scope surface handlers use.
	Engine struct {
		scopes  Store
		events  eventstore.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// ScopeKey builds the canonical scope key for a tenant-scoped boundary.
func ScopeKey(tenantID, scopeType, scopeID string) string {
	return fmt.Sprintf("tenant:%s:%s:%s", tenantID, scopeType, scopeID)
}

// Key returns the stream's map key.
func (s StreamRef) Key() string { return s.StreamType + "/" + s.StreamID }

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification on scope %s: expected version %d, current %d",
		e.ScopeKey, e.Expected, e.CurrentVersion)
}

// IsConflict reports whether err is a scope OCC conflict and returns the
// scope's current version.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// MergeStreams unions two stream sets preserving first-seen order.
func MergeStreams(existing, added []StreamRef) []StreamRef {
	seen := make(map[string]struct{}, len(existing)+len(added))
	merged := make([]StreamRef, 0, len(existing)+len(added))
	for _, s := range existing {
		if _, ok := seen[s.Key()]; ok {
			continue
		}
		seen[s.Key()] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range added {
		if _, ok := seen[s.Key()]; ok {
			continue
		}
		seen[s.Key()] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}

// NewEngine constructs the scope engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Scopes == nil {
		return nil, errors.New("scope store is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		scopes:  opts.Scopes,
		events:  opts.Events,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// GetOrCreateScope returns the scope under key, creating it at version 0 when
// absent.
func (e *Engine) GetOrCreateScope(ctx context.Context, key string) (*Scope, error) {
	return e.scopes.GetOrCreate(ctx, key)
}

// CheckScopeVersion compares the scope's current version against expected.
func (e *Engine) CheckScopeVersion(ctx context.Context, key string, expected int64) (*VersionCheck, error) {
	scope, err := e.scopes.Get(ctx, key)
	if errors.Is(err, ErrScopeNotFound) {
		return &VersionCheck{Status: VersionNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if scope.CurrentVersion == expected {
		return &VersionCheck{Status: VersionMatch, CurrentVersion: scope.CurrentVersion}, nil
	}
	return &VersionCheck{Status: VersionMismatch, CurrentVersion: scope.CurrentVersion}, nil
}

// CommitScope commits the unit of work: OCC on expectedVersion, version bump
// to expectedVersion+1 and union-merge of streams. Conflicts surface as
// *ConflictError; retries are the caller's choice.
func (e *Engine) CommitScope(ctx context.Context, key string, expectedVersion int64, streams []StreamRef) (*Scope, error) {
	scope, err := e.scopes.Commit(ctx, key, expectedVersion, streams)
	if err != nil {
		if _, ok := IsConflict(err); ok {
			e.metrics.IncCounter("dcb.commit_conflict", 1, "scope_key", key)
		}
		return nil, err
	}
	e.metrics.IncCounter("dcb.commit", 1, "scope_key", key)
	return scope, nil
}

// ReadVirtualStream aggregates the events of every stream in the scope with
// global position strictly greater than from, in global position order, up to
// limit (0 means no limit).
func (e *Engine) ReadVirtualStream(ctx context.Context, key string, from int64, limit int) ([]*eventstore.Event, error) {
	scope, err := e.scopes.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var merged []*eventstore.Event
	for _, ref := range scope.Streams {
		events, err := e.events.ReadStream(ctx, ref.StreamType, ref.StreamID, 0, 0)
		if err != nil && !errors.Is(err, eventstore.ErrStreamNotFound) {
			return nil, fmt.Errorf("read stream %s: %w", ref.Key(), err)
		}
		for _, evt := range events {
			if evt.GlobalPosition > from {
				merged = append(merged, evt)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].GlobalPosition < merged[j].GlobalPosition
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
