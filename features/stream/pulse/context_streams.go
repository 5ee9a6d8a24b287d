package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/sourced/features/stream/pulse/clients/pulse"
	"goa.design/sourced/runtime/eventstore"
)

type (
	// ContextStreams wires a caller-provided Pulse client into a bounded
	// context's fan-out. It owns a publishing sink and spawns subscribers
	// that reuse the same client so services do not manage multiple Pulse
	// connections.
	ContextStreams struct {
		sink   *Sink
		client clientspulse.Client
	}

	// ContextStreamsOptions configures NewContextStreams.
	ContextStreamsOptions struct {
		// Client is the Pulse client used for both publishing and
		// subscribing. Required; typically built via
		// features/stream/pulse/clients/pulse.
		Client clientspulse.Client
		// Sink holds optional overrides for the publishing sink (stream ID
		// derivation, marshaling). Leave zero-valued for defaults.
		Sink Options
	}

	// EventHandler reacts to one fanned-out event. Returning an error stops
	// the relay and surfaces the error to the caller.
	EventHandler func(ctx context.Context, evt *eventstore.Event) error
)

// NewContextStreams constructs helpers for publishing appended events to
// Pulse and subscribing to the resulting streams. Callers invoke the sink
// after each successful append and keep the helper around to create
// subscribers or relays in consumer processes.
func NewContextStreams(opts ContextStreamsOptions) (*ContextStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &ContextStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so append paths can fan out events.
func (c *ContextStreams) Sink() *Sink {
	return c.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client.
// This keeps publishing and consumption on the same Redis connection pool.
func (c *ContextStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = c.client
	return NewSubscriber(opts)
}

// Relay subscribes to the given stream and feeds each event to the handler,
// typically an agent runtime's EventAppended or a projection scheduler.
// Relay blocks until ctx is canceled, the stream closes, or the handler or
// transport fails.
func (c *ContextStreams) Relay(ctx context.Context, streamID string, handler EventHandler, opts SubscriberOptions) error {
	if handler == nil {
		return errors.New("event handler is required")
	}
	sub, err := c.NewSubscriber(opts)
	if err != nil {
		return err
	}
	events, errs, cancel, err := sub.Subscribe(ctx, streamID)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return err
		case evt, ok := <-events:
			if !ok {
				if errs == nil {
					return nil
				}
				// Drain a buffered consume error so it is not lost to the
				// close race.
				return <-errs
			}
			if err := handler(ctx, evt); err != nil {
				return err
			}
		}
	}
}

// Close shuts down the publishing sink. Call during service shutdown after
// all subscribers have been canceled.
func (c *ContextStreams) Close(ctx context.Context) error {
	return c.sink.Close(ctx)
}
