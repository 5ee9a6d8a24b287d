// Package saga implements durable multi-step coordinators with compensation
// (sagas) and event-driven process managers that emit commands without
// awaiting. Sagas run on a workflow engine with checkpointed resumption;
// process managers run as serialized workpool tasks keyed by instance.
package saga

import (
	"context"
	"errors"
	"time"

	"goa.design/sourced/runtime/eventstore"
)

// InstanceStatus is the lifecycle state of a saga instance.
type InstanceStatus string

const (
	// InstancePending means the instance is recorded but the workflow has
	// not started yet.
	InstancePending InstanceStatus = "pending"
	// InstanceRunning means the workflow is executing forward steps.
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted means all steps succeeded.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceFailed means a step failed and compensation also failed or was
	// not applicable.
	InstanceFailed InstanceStatus = "failed"
	// InstanceCompensating means inverse commands are being applied.
	InstanceCompensating InstanceStatus = "compensating"
	// InstanceCompensated means the saga unwound cleanly after a failure.
	InstanceCompensated InstanceStatus = "compensated"
)

var (
	// ErrInstanceNotFound is returned when no saga instance matches.
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrUnknownSaga is returned when no definition matches a saga type.
	ErrUnknownSaga = errors.New("unknown saga type")
)

type (
	// Instance is the durable record of one saga execution, at most one per
	// business key.
	Instance struct {
		SagaType              string         `bson:"saga_type" json:"saga_type"`
		SagaID                string         `bson:"saga_id" json:"saga_id"`
		WorkflowID            string         `bson:"workflow_id" json:"workflow_id"`
		Status                InstanceStatus `bson:"status" json:"status"`
		TriggerEventID        string         `bson:"trigger_event_id" json:"trigger_event_id"`
		TriggerGlobalPosition int64          `bson:"trigger_global_position" json:"trigger_global_position"`
		Error                 string         `bson:"error,omitempty" json:"error,omitempty"`
		CreatedAt             time.Time      `bson:"created_at" json:"created_at"`
		CompletedAt           *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	}

	// InstanceStore persists saga instances. CreateIfAbsent enforces
	// at-most-one instance per (sagaType, sagaId).
	InstanceStore interface {
		// CreateIfAbsent inserts the instance when none exists for its
		// (sagaType, sagaId), returning created=true. Otherwise it returns
		// the existing instance and created=false.
		CreateIfAbsent(ctx context.Context, inst *Instance) (existing *Instance, created bool, err error)

		// SetStatus updates an instance's status and error annotation.
		SetStatus(ctx context.Context, sagaType, sagaID string, status InstanceStatus, errMsg string) error

		// Get returns an instance or ErrInstanceNotFound.
		Get(ctx context.Context, sagaType, sagaID string) (*Instance, error)

		// ListByStatus returns the instances of a saga type in a status.
		// Empty arguments match everything.
		ListByStatus(ctx context.Context, sagaType string, status InstanceStatus) ([]*Instance, error)
	}

	// Trigger is the event context handed to saga steps.
	Trigger struct {
		SagaType string            `json:"saga_type"`
		SagaID   string            `json:"saga_id"`
		Event    *eventstore.Event `json:"event"`
	}

	// Step is one unit of saga work. Execute moves the saga forward;
	// Compensate undoes a previously successful Execute. Compensate may be
	// nil for steps with no inverse.
	Step struct {
		Name       string
		Execute    func(ctx context.Context, trigger *Trigger) error
		Compensate func(ctx context.Context, trigger *Trigger) error
	}

	// Definition declares a saga: its type, how to derive the business key
	// from the trigger event, and its ordered steps.
	Definition struct {
		// Type uniquely identifies the saga. Required.
		Type string
		// TaskQueue overrides the engine's default queue.
		TaskQueue string
		// BusinessKey derives the saga ID from the trigger event. Required.
		BusinessKey func(evt *eventstore.Event) string
		// Steps run in order; the first failure triggers compensation of the
		// completed prefix in reverse. At least one is required.
		Steps []Step
	}
)
