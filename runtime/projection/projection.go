// Package projection implements the read-model projection engine: a registry
// of event-type to handler mappings per projection, checkpointed idempotent
// application, partitioned scheduling on the workpool, and failure handling
// through poison-event quarantine and dead letters.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/sourced/runtime/eventstore"
)

// Category classifies what a projection produces.
type Category string

const (
	// CategoryView projects UI-facing read models.
	CategoryView Category = "view"
	// CategoryIntegration projects data consumed by other contexts.
	CategoryIntegration Category = "integration"
	// CategoryLogic projects state consulted by domain logic.
	CategoryLogic Category = "logic"
	// CategoryReporting projects analytical read models.
	CategoryReporting Category = "reporting"
)

// Kind orders projections for rebuilds.
type Kind string

const (
	// KindPrimary projections are rebuilt first.
	KindPrimary Kind = "primary"
	// KindSecondary projections are rebuilt after primaries.
	KindSecondary Kind = "secondary"
	// KindCrossContext projections consume events from multiple bounded
	// contexts and are rebuilt last.
	KindCrossContext Kind = "cross-context"
)

var (
	// ErrNotRegistered is returned when a projection name is unknown.
	ErrNotRegistered = errors.New("projection not registered")
)

type (
	// Handler applies one event to the projection's read model. Handlers must
	// be idempotent; the engine additionally gates them on the checkpoint.
	Handler func(ctx context.Context, evt *eventstore.Event) error

	// PartitionKeyFunc derives the ordering key for an event, typically the
	// entity identifier in the payload. Empty means unpartitioned.
	PartitionKeyFunc func(evt *eventstore.Event) string

	// Definition declares one projection: its identity, classification and
	// the handlers it runs per event type.
	Definition struct {
		// Name uniquely identifies the projection. Required.
		Name string
		// Category classifies the read model. Required.
		Category Category
		// Kind orders the projection for rebuilds. Required.
		Kind Kind
		// Context is the owning bounded context tag. Required.
		Context string
		// Handlers maps event types to handlers. At least one is required.
		Handlers map[string]Handler
		// PartitionKey derives the ordering key. Required.
		PartitionKey PartitionKeyFunc
	}

	// Registry holds projection definitions. Registration happens at startup;
	// the registry is read-only afterwards.
	Registry struct {
		mu     sync.RWMutex
		byName map[string]*Definition
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Definition)}
}

// Register adds a projection definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.New("definition is required")
	}
	if def.Name == "" {
		return errors.New("projection name is required")
	}
	if def.Category == "" {
		return errors.New("projection category is required")
	}
	if def.Kind == "" {
		return errors.New("projection kind is required")
	}
	if def.Context == "" {
		return errors.New("projection context is required")
	}
	if len(def.Handlers) == 0 {
		return errors.New("projection needs at least one handler")
	}
	if def.PartitionKey == nil {
		return errors.New("partition key function is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[def.Name]; ok {
		return fmt.Errorf("projection %s already registered", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

// Get returns the definition for a projection name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return def, nil
}

// ByEventType returns the projections that handle the event type, sorted by
// name for deterministic scheduling.
func (r *Registry) ByEventType(eventType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*Definition
	for _, def := range r.byName {
		if _, ok := def.Handlers[eventType]; ok {
			defs = append(defs, def)
		}
	}
	sortByName(defs)
	return defs
}

// ByContext returns the projections owned by a bounded context.
func (r *Registry) ByContext(context string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*Definition
	for _, def := range r.byName {
		if def.Context == context {
			defs = append(defs, def)
		}
	}
	sortByName(defs)
	return defs
}

// ByCategory returns the projections of a category.
func (r *Registry) ByCategory(category Category) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*Definition
	for _, def := range r.byName {
		if def.Category == category {
			defs = append(defs, def)
		}
	}
	sortByName(defs)
	return defs
}

// RebuildOrder returns all projections ordered primary, then secondary, then
// cross-context, name-sorted within each kind.
func (r *Registry) RebuildOrder() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*Definition
	for _, def := range r.byName {
		defs = append(defs, def)
	}
	rank := map[Kind]int{KindPrimary: 0, KindSecondary: 1, KindCrossContext: 2}
	sort.Slice(defs, func(i, j int) bool {
		if rank[defs[i].Kind] != rank[defs[j].Kind] {
			return rank[defs[i].Kind] < rank[defs[j].Kind]
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

func sortByName(defs []*Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}

type (
	// Checkpoint records the last event applied by a projection on one
	// partition. LastGlobalPosition is CheckpointNone until the first apply.
	Checkpoint struct {
		ProjectionName     string    `bson:"projection_name" json:"projection_name"`
		PartitionKey       string    `bson:"partition_key" json:"partition_key"`
		LastGlobalPosition int64     `bson:"last_global_position" json:"last_global_position"`
		LastEventID        string    `bson:"last_event_id,omitempty" json:"last_event_id,omitempty"`
		UpdatedAt          time.Time `bson:"updated_at" json:"updated_at"`
	}

	// CheckpointStore persists projection checkpoints.
	CheckpointStore interface {
		// Get returns the checkpoint for (projection, partition). When none
		// exists it returns a fresh checkpoint at CheckpointNone.
		Get(ctx context.Context, projection, partition string) (*Checkpoint, error)

		// Save upserts a checkpoint.
		Save(ctx context.Context, cp *Checkpoint) error

		// List returns all checkpoints of a projection.
		List(ctx context.Context, projection string) ([]*Checkpoint, error)

		// Reset deletes all checkpoints of a projection, for rebuilds from
		// scratch.
		Reset(ctx context.Context, projection string) error
	}
)

// CheckpointNone is the sentinel position meaning nothing processed.
const CheckpointNone = int64(-1)

// PoisonStatus is the review state of a poison event.
type PoisonStatus string

const (
	// PoisonPending means failures are recorded but retries continue.
	PoisonPending PoisonStatus = "pending"
	// PoisonQuarantined means the event is removed from the retry path for
	// this projection until admin action.
	PoisonQuarantined PoisonStatus = "quarantined"
	// PoisonReplayed means an admin re-ran the event successfully.
	PoisonReplayed PoisonStatus = "replayed"
	// PoisonIgnored means an admin chose to skip the event permanently.
	PoisonIgnored PoisonStatus = "ignored"
)

// ErrPoisonNotFound is returned when no poison record matches.
var ErrPoisonNotFound = errors.New("poison event not found")

// ErrDeadLetterNotFound is returned when no dead letter matches.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

type (
	// PoisonEvent records one event that a specific projection cannot
	// process. The same event may be healthy for other projections.
	PoisonEvent struct {
		EventID        string          `bson:"event_id" json:"event_id"`
		EventType      string          `bson:"event_type" json:"event_type"`
		ProjectionName string          `bson:"projection_name" json:"projection_name"`
		PartitionKey   string          `bson:"partition_key,omitempty" json:"partition_key,omitempty"`
		GlobalPosition int64           `bson:"global_position" json:"global_position"`
		Status         PoisonStatus    `bson:"status" json:"status"`
		AttemptCount   int             `bson:"attempt_count" json:"attempt_count"`
		Error          string          `bson:"error,omitempty" json:"error,omitempty"`
		EventPayload   json.RawMessage `bson:"event_payload,omitempty" json:"event_payload,omitempty"`
		QuarantinedAt  *time.Time      `bson:"quarantined_at,omitempty" json:"quarantined_at,omitempty"`
		ResolvedBy     string          `bson:"resolved_by,omitempty" json:"resolved_by,omitempty"`
		ReviewNotes    string          `bson:"review_notes,omitempty" json:"review_notes,omitempty"`
		UpdatedAt      time.Time       `bson:"updated_at" json:"updated_at"`
	}

	// PoisonStore persists poison events keyed by (projection, eventId).
	PoisonStore interface {
		// Get returns the record for (projection, eventId) or
		// ErrPoisonNotFound.
		Get(ctx context.Context, projection, eventID string) (*PoisonEvent, error)

		// RecordFailure upserts the record, incrementing AttemptCount and
		// storing the latest error. New records start pending.
		RecordFailure(ctx context.Context, record *PoisonEvent) error

		// SetStatus transitions the record's status. Quarantining stamps
		// QuarantinedAt; resolution stamps ResolvedBy and ReviewNotes.
		SetStatus(ctx context.Context, projection, eventID string, status PoisonStatus, resolvedBy, notes string) error

		// ListByStatus returns the records of a projection in a status.
		// Empty projection matches all projections.
		ListByStatus(ctx context.Context, projection string, status PoisonStatus) ([]*PoisonEvent, error)

		// QuarantinedOnPartition reports whether a quarantined record exists
		// for (projection, partition). Used to halt later events on the same
		// partition so per-entity order is preserved.
		QuarantinedOnPartition(ctx context.Context, projection, partition string) (bool, error)
	}
)

// DeadLetterStatus is the review state of a projection dead letter.
type DeadLetterStatus string

const (
	// DeadLetterPending awaits operator review.
	DeadLetterPending DeadLetterStatus = "pending"
	// DeadLetterResolved was reviewed and closed.
	DeadLetterResolved DeadLetterStatus = "resolved"
)

type (
	// DeadLetter records a projection task that exhausted its retries.
	DeadLetter struct {
		ID             string           `bson:"dead_letter_id" json:"dead_letter_id"`
		ProjectionName string           `bson:"projection_name" json:"projection_name"`
		EventID        string           `bson:"event_id" json:"event_id"`
		EventType      string           `bson:"event_type" json:"event_type"`
		TaskID         string           `bson:"task_id" json:"task_id"`
		Error          string           `bson:"error,omitempty" json:"error,omitempty"`
		Status         DeadLetterStatus `bson:"status" json:"status"`
		CreatedAt      time.Time        `bson:"created_at" json:"created_at"`
		ResolvedBy     string           `bson:"resolved_by,omitempty" json:"resolved_by,omitempty"`
	}

	// DeadLetterStore persists projection dead letters.
	DeadLetterStore interface {
		// Insert persists a new dead letter.
		Insert(ctx context.Context, dl *DeadLetter) error

		// List returns dead letters for a projection and status. Empty
		// arguments match everything.
		List(ctx context.Context, projection string, status DeadLetterStatus) ([]*DeadLetter, error)

		// Resolve marks a dead letter resolved.
		Resolve(ctx context.Context, id, resolvedBy string) error
	}
)
