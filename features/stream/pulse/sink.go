// Package pulse publishes appended domain events to goa.design/pulse streams
// so consumers in other processes (agent runtimes, projection workers) can
// react without polling the event store. Services build a Redis client, pass
// it to the Pulse client, and hand the resulting sink to whatever appends
// events.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/sourced/features/stream/pulse/clients/pulse"
	"goa.design/sourced/runtime/eventstore"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `events/<bounded context>`.
		StreamID func(*eventstore.Event) (string, error)
		// Marshal overrides the event serialization (primarily for tests).
		Marshal func(*eventstore.Event) ([]byte, error)
	}

	// Sink publishes event store events into Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(*eventstore.Event) (string, error)
		marshal  func(*eventstore.Event) ([]byte, error)
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		s.marshal = opts.Marshal
	}
	return s, nil
}

// Send publishes one event to its derived Pulse stream. The serialized form
// is the event's canonical JSON envelope, so subscribers recover the full
// event including version and global position.
func (s *Sink) Send(ctx context.Context, evt *eventstore.Event) error {
	streamID, err := s.streamID(evt)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := s.marshal(evt)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, evt.Type, payload); err != nil {
		return err
	}
	return nil
}

// SendAll publishes events in order, stopping at the first failure. Events
// already published stay published; Pulse consumers dedupe on global
// position.
func (s *Sink) SendAll(ctx context.Context, events []*eventstore.Event) error {
	for _, evt := range events {
		if err := s.Send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID groups events per bounded context so one consumer group
// covers a whole context.
func defaultStreamID(evt *eventstore.Event) (string, error) {
	if evt.BoundedContext == "" {
		return "", errors.New("event missing bounded context")
	}
	return fmt.Sprintf("events/%s", evt.BoundedContext), nil
}

func defaultMarshal(evt *eventstore.Event) ([]byte, error) {
	return json.Marshal(evt)
}
