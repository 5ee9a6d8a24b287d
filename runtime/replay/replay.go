// Package replay rebuilds projections from the event store in serialized
// chunks scheduled on the workpool. A rebuild is tracked by a durable replay
// checkpoint; chunks for one projection never interleave because they share
// the workpool partition "replay:{projection}".
package replay

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a rebuild.
type Status string

const (
	// StatusRunning means chunks are being processed.
	StatusRunning Status = "running"
	// StatusPaused means chunk processing is suspended until resume.
	StatusPaused Status = "paused"
	// StatusCompleted means the rebuild caught up to its target.
	StatusCompleted Status = "completed"
	// StatusFailed means a chunk exhausted its retries.
	StatusFailed Status = "failed"
	// StatusCancelled means an operator stopped the rebuild.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrReplayActive is returned when a rebuild is triggered for a
	// projection that already has a running replay.
	ErrReplayActive = errors.New("replay already active for projection")
	// ErrReplayNotFound is returned when a replay ID is unknown.
	ErrReplayNotFound = errors.New("replay not found")
)

type (
	// Checkpoint is the durable record of one rebuild.
	Checkpoint struct {
		ReplayID        string     `bson:"replay_id" json:"replay_id"`
		Projection      string     `bson:"projection" json:"projection"`
		StartPosition   int64      `bson:"start_position" json:"start_position"`
		LastPosition    int64      `bson:"last_position" json:"last_position"`
		TargetPosition  int64      `bson:"target_position" json:"target_position"`
		Status          Status     `bson:"status" json:"status"`
		TotalEvents     int64      `bson:"total_events" json:"total_events"`
		EventsProcessed int64      `bson:"events_processed" json:"events_processed"`
		ChunksCompleted int64      `bson:"chunks_completed" json:"chunks_completed"`
		ChunkSize       int        `bson:"chunk_size" json:"chunk_size"`
		StartedAt       time.Time  `bson:"started_at" json:"started_at"`
		UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
		CompletedAt     *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
		Error           string     `bson:"error,omitempty" json:"error,omitempty"`
	}

	// Store persists replay checkpoints.
	Store interface {
		// Insert persists a new checkpoint.
		Insert(ctx context.Context, cp *Checkpoint) error

		// Update persists checkpoint mutations.
		Update(ctx context.Context, cp *Checkpoint) error

		// Get returns a checkpoint by replay ID or ErrReplayNotFound.
		Get(ctx context.Context, replayID string) (*Checkpoint, error)

		// ActiveForProjection returns the running checkpoint for a
		// projection, or nil when none is running.
		ActiveForProjection(ctx context.Context, projection string) (*Checkpoint, error)

		// ListByStatus returns the checkpoints in a status. Empty status
		// matches all.
		ListByStatus(ctx context.Context, status Status) ([]*Checkpoint, error)
	}
)
