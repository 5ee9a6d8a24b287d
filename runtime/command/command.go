// Package command implements the command side of the runtime: envelopes,
// durable command records, the 7-step orchestrator pipeline, the middleware
// chain and the cross-context command bus.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/sourced/runtime/eventstore"
)

// RecordStatus is the lifecycle state of a command record. Transitions are
// monotone: pending is the only non-terminal state.
type RecordStatus string

const (
	// StatusPending means the command is accepted but not finished.
	StatusPending RecordStatus = "pending"
	// StatusCompleted means the command succeeded and its event is stored.
	StatusCompleted RecordStatus = "completed"
	// StatusRejected means a middleware or the domain handler rejected it.
	StatusRejected RecordStatus = "rejected"
	// StatusFailed means the pipeline errored or hit a version conflict.
	StatusFailed RecordStatus = "failed"
)

// ResultStatus discriminates the command result union.
type ResultStatus string

const (
	// ResultSuccess carries the new stream version and handler data.
	ResultSuccess ResultStatus = "success"
	// ResultRejected carries a machine-readable code and a reason.
	ResultRejected ResultStatus = "rejected"
	// ResultConflict reports a concurrent modification.
	ResultConflict ResultStatus = "conflict"
	// ResultError reports an internal failure.
	ResultError ResultStatus = "error"
)

// ConflictCode is the code carried by every conflict result.
const ConflictCode = "CONCURRENT_MODIFICATION"

var (
	// ErrRecordNotFound is returned when a command ID is unknown.
	ErrRecordNotFound = errors.New("command record not found")
	// ErrUnknownCommand is returned when no config matches a command type.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrCommandInFlight is returned when a duplicate arrives while the
	// original is still pending.
	ErrCommandInFlight = errors.New("command already in flight")
)

type (
	// Envelope is the transport-independent command submission.
	Envelope struct {
		CommandID      string          `bson:"command_id" json:"command_id"`
		CommandType    string          `bson:"command_type" json:"command_type"`
		CorrelationID  string          `bson:"correlation_id" json:"correlation_id"`
		CausationID    string          `bson:"causation_id,omitempty" json:"causation_id,omitempty"`
		Timestamp      time.Time       `bson:"timestamp" json:"timestamp"`
		UserID         string          `bson:"user_id,omitempty" json:"user_id,omitempty"`
		TargetContext  string          `bson:"target_context" json:"target_context"`
		Payload        json.RawMessage `bson:"payload" json:"payload"`
		IdempotencyKey string          `bson:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	}

	// Result is the discriminated union returned to command submitters.
	Result struct {
		Status  ResultStatus    `bson:"status" json:"status"`
		Version int64           `bson:"version,omitempty" json:"version,omitempty"`
		Data    json.RawMessage `bson:"data,omitempty" json:"data,omitempty"`
		Code    string          `bson:"code,omitempty" json:"code,omitempty"`
		Reason  string          `bson:"reason,omitempty" json:"reason,omitempty"`
		Context map[string]any  `bson:"context,omitempty" json:"context,omitempty"`
		// CurrentVersion accompanies conflict results.
		CurrentVersion int64  `bson:"current_version,omitempty" json:"current_version,omitempty"`
		Message        string `bson:"message,omitempty" json:"message,omitempty"`
	}

	// HandlerResult is what a domain handler returns. On success the handler
	// names the stream, the expected version it read, and the events to
	// append; it has already applied its snapshot mutation.
	HandlerResult struct {
		Status          ResultStatus
		StreamType      string
		StreamID        string
		ExpectedVersion int64
		Events          []eventstore.AppendEvent
		Data            json.RawMessage

		// Rejection fields.
		Code    string
		Reason  string
		Context map[string]any

		// Conflict field.
		CurrentVersion int64

		// Error field.
		Message string
	}

	// Handler is the domain command handler.
	Handler func(ctx context.Context, env *Envelope) (*HandlerResult, error)

	// Config binds a command type to its handler and downstream wiring.
	Config struct {
		// CommandType is the command this config serves. Required.
		CommandType string
		// Context is the bounded context that owns the command. Required.
		Context string
		// Handler is the domain handler. Required.
		Handler Handler
		// PrimaryProjection is scheduled first after append.
		PrimaryProjection string
		// SecondaryProjections are scheduled after the primary.
		SecondaryProjections []string
		// SagaTypes are started for the appended event.
		SagaTypes []string
	}

	// Record is the durable command record giving exactly-once acceptance.
	Record struct {
		CommandID     string          `bson:"command_id" json:"command_id"`
		CommandType   string          `bson:"command_type" json:"command_type"`
		Status        RecordStatus    `bson:"status" json:"status"`
		CorrelationID string          `bson:"correlation_id" json:"correlation_id"`
		ResultDigest  json.RawMessage `bson:"result_digest,omitempty" json:"result_digest,omitempty"`
		CreatedAt     time.Time       `bson:"created_at" json:"created_at"`
		UpdatedAt     time.Time       `bson:"updated_at" json:"updated_at"`
	}

	// RecordStore persists command records. CreateIfAbsent is the
	// at-most-once gate: exactly one caller per command ID observes
	// created=true.
	RecordStore interface {
		// CreateIfAbsent inserts the record when no record with its command
		// ID exists, returning created=true. Otherwise it returns the
		// existing record and created=false.
		CreateIfAbsent(ctx context.Context, rec *Record) (existing *Record, created bool, err error)

		// Finish sets the terminal status and result digest of a record.
		Finish(ctx context.Context, commandID string, status RecordStatus, digest json.RawMessage) error

		// Get returns a record by command ID or ErrRecordNotFound.
		Get(ctx context.Context, commandID string) (*Record, error)
	}
)

// Success builds a success result.
func Success(version int64, data json.RawMessage) *Result {
	return &Result{Status: ResultSuccess, Version: version, Data: data}
}

// Rejected builds a rejection result.
func Rejected(code, reason string, context map[string]any) *Result {
	return &Result{Status: ResultRejected, Code: code, Reason: reason, Context: context}
}

// Conflict builds a conflict result.
func Conflict(currentVersion int64) *Result {
	return &Result{Status: ResultConflict, Code: ConflictCode, CurrentVersion: currentVersion}
}

// Errored builds an error result.
func Errored(message string) *Result {
	return &Result{Status: ResultError, Message: message}
}

// recordStatusFor maps a result to the terminal command record status.
func recordStatusFor(res *Result) RecordStatus {
	switch res.Status {
	case ResultSuccess:
		return StatusCompleted
	case ResultRejected:
		return StatusRejected
	default:
		return StatusFailed
	}
}
