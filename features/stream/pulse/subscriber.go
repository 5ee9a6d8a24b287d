package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/sourced/features/stream/pulse/clients/pulse"
	"goa.design/sourced/runtime/eventstore"
)

type (
	// Decoder converts raw payloads read from Pulse back into event store
	// events. Custom decoders handle non-standard envelope formats.
	Decoder func([]byte) (*eventstore.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "sourced_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the canonical JSON
		// envelope decoder.
		Decoder Decoder
	}

	// Subscriber consumes Pulse streams and emits event store events. It
	// wraps a Pulse sink (consumer group) and decodes incoming payloads.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "sourced_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEvent
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream ID and returns channels
// for events and errors. A goroutine consumes from the sink, decodes
// payloads, and emits events. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "events/payments")
//	defer cancel()
//	for evt := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan *eventstore.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan *eventstore.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse sink channel, decodes each payload, and emits
// the event. Each event is acked after successful emission. Both channels
// close when ctx is canceled or the sink channel closes; decode and ack
// failures land on errs and end consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *eventstore.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEvent deserializes the canonical JSON envelope produced by the sink.
func decodeEvent(payload []byte) (*eventstore.Event, error) {
	var evt eventstore.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, err
	}
	if evt.Type == "" {
		return nil, errors.New("event envelope missing event type")
	}
	return &evt, nil
}
