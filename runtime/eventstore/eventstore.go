// Package eventstore defines the append-only event log at the heart of the
// runtime: per-stream optimistic concurrency, a global ordering key,
// idempotency keys, and correlation indexing. Two implementations ship with
// the runtime: mongo (durable, transactional) and inmem (tests and
// single-process development).
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category classifies an event's role in the system.
type Category string

const (
	// CategoryDomain marks events owned by a single bounded context.
	CategoryDomain Category = "domain"
	// CategoryIntegration marks events published for other contexts.
	CategoryIntegration Category = "integration"
	// CategoryTrigger marks events that exist to start downstream work.
	CategoryTrigger Category = "trigger"
	// CategoryFat marks events carrying denormalized state for consumers.
	CategoryFat Category = "fat"
)

// ErrStreamNotFound is returned when reading a stream that has no events.
var ErrStreamNotFound = errors.New("stream not found")

type (
	// Event is one immutable record on a stream. Version is 1-based and dense
	// per stream; GlobalPosition orders events across all streams.
	Event struct {
		ID             string          `bson:"event_id" json:"event_id"`
		Type           string          `bson:"event_type" json:"event_type"`
		StreamType     string          `bson:"stream_type" json:"stream_type"`
		StreamID       string          `bson:"stream_id" json:"stream_id"`
		Version        int64           `bson:"version" json:"version"`
		GlobalPosition int64           `bson:"global_position" json:"global_position"`
		BoundedContext string          `bson:"bounded_context" json:"bounded_context"`
		Category       Category        `bson:"category" json:"category"`
		SchemaVersion  int             `bson:"schema_version" json:"schema_version"`
		CorrelationID  string          `bson:"correlation_id" json:"correlation_id"`
		CausationID    string          `bson:"causation_id,omitempty" json:"causation_id,omitempty"`
		UserID         string          `bson:"user_id,omitempty" json:"user_id,omitempty"`
		Timestamp      time.Time       `bson:"timestamp" json:"timestamp"`
		Payload        json.RawMessage `bson:"payload" json:"payload"`
		IdempotencyKey string          `bson:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	}

	// Metadata carries the optional envelope fields callers may attach to an
	// appended event. Absent correlation IDs are generated by the store.
	Metadata struct {
		CorrelationID string `json:"correlation_id,omitempty"`
		CausationID   string `json:"causation_id,omitempty"`
		UserID        string `json:"user_id,omitempty"`
		SchemaVersion int    `json:"schema_version,omitempty"`
	}

	// AppendEvent is the caller-supplied shape of an event to append.
	// Category defaults to domain and SchemaVersion to 1.
	AppendEvent struct {
		Type           string
		Payload        json.RawMessage
		Category       Category
		SchemaVersion  int
		Metadata       Metadata
		IdempotencyKey string
	}

	// AppendResult reports the identifiers assigned by a successful append.
	// Idempotent retries return the identical result.
	AppendResult struct {
		EventIDs        []string
		GlobalPositions []int64
		NewVersion      int64
	}

	// ConflictError reports an optimistic concurrency failure: the stream's
	// current version did not match the caller's expectation. The store never
	// retries internally.
	ConflictError struct {
		StreamType     string
		StreamID       string
		Expected       int64
		CurrentVersion int64
	}

	// ReadFilter narrows ReadFromPosition results. EventTypes is applied as an
	// in-memory post-filter; the store over-fetches (3x the limit) so sparse
	// filters still return useful batches, but callers must tolerate short
	// batches.
	ReadFilter struct {
		EventTypes     []string
		BoundedContext string
	}

	// Store is the event store contract.
	Store interface {
		// Append appends events to the stream with per-stream OCC. A version
		// mismatch returns *ConflictError. When an event carries an idempotency
		// key that already exists the append is a no-op returning the stored
		// identifiers.
		Append(ctx context.Context, streamType, streamID string, expectedVersion int64, boundedContext string, events []AppendEvent) (*AppendResult, error)

		// ReadStream returns the stream's events with version > fromVersion in
		// version order, up to limit (0 means no limit).
		ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]*Event, error)

		// ReadFromPosition returns events with global position strictly greater
		// than from, ascending, up to limit after filtering.
		ReadFromPosition(ctx context.Context, from int64, limit int, filter *ReadFilter) ([]*Event, error)

		// StreamVersion returns the stream's current version, 0 when the stream
		// does not exist.
		StreamVersion(ctx context.Context, streamType, streamID string) (int64, error)

		// ByCorrelation returns all events sharing the correlation ID in global
		// position order.
		ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)

		// GlobalPosition returns the highest global position in the store, 0
		// when empty.
		GlobalPosition(ctx context.Context) (int64, error)

		// ByIdempotencyKey returns the events stored under the key in version
		// order, nil when the key is unknown.
		ByIdempotencyKey(ctx context.Context, key string) ([]*Event, error)
	}
)

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification on %s/%s: expected version %d, current %d",
		e.StreamType, e.StreamID, e.Expected, e.CurrentVersion)
}

// IsConflict reports whether err is an optimistic concurrency conflict and
// returns the conflicting stream's current version.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Normalize applies the envelope defaults: category domain, schema version 1.
func (e *AppendEvent) Normalize() {
	if e.Category == "" {
		e.Category = CategoryDomain
	}
	if e.SchemaVersion == 0 {
		if e.Metadata.SchemaVersion != 0 {
			e.SchemaVersion = e.Metadata.SchemaVersion
		} else {
			e.SchemaVersion = 1
		}
	}
}
