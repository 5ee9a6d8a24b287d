// Package mongo implements the MongoDB-backed event store. Appends run in a
// multi-document transaction so the event inserts and the stream version
// update commit atomically, which is what the per-stream optimistic
// concurrency check relies on.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/sourced/runtime/correlation"
	"goa.design/sourced/runtime/eventstore"
)

type (
	// Options configures the mongo event store.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// EventsCollection overrides the events collection name. Defaults to "events".
		EventsCollection string
		// StreamsCollection overrides the streams collection name. Defaults to "streams".
		StreamsCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Store is the MongoDB event store.
	Store struct {
		client  *mongodriver.Client
		events  *mongodriver.Collection
		streams *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}

	streamDocument struct {
		StreamType     string    `bson:"stream_type"`
		StreamID       string    `bson:"stream_id"`
		CurrentVersion int64     `bson:"current_version"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}
)

const (
	defaultEventsCollection  = "events"
	defaultStreamsCollection = "streams"
	defaultTimeout           = 5 * time.Second
	storeName                = "eventstore-mongo"
)

// New constructs a Store backed by the provided MongoDB client and ensures
// the secondary indexes the read paths depend on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	streamsColl := opts.StreamsCollection
	if streamsColl == "" {
		streamsColl = defaultStreamsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:  opts.Client,
		events:  db.Collection(eventsColl),
		streams: db.Collection(streamsColl),
		timeout: timeout,
		now:     now,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure event store indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamType, streamID string, expectedVersion int64, boundedContext string, events []eventstore.AppendEvent) (*eventstore.AppendResult, error) {
	if len(events) == 0 {
		return nil, errors.New("at least one event is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Idempotent retry: any known key short-circuits to the stored result.
	for _, e := range events {
		if e.IdempotencyKey == "" {
			continue
		}
		stored, err := s.ByIdempotencyKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			res := &eventstore.AppendResult{NewVersion: stored[len(stored)-1].Version}
			for _, evt := range stored {
				res.EventIDs = append(res.EventIDs, evt.ID)
				res.GlobalPositions = append(res.GlobalPositions, evt.GlobalPosition)
			}
			return res, nil
		}
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		filter := bson.M{"stream_type": streamType, "stream_id": streamID}
		var stream streamDocument
		current := int64(0)
		err := s.streams.FindOne(sc, filter).Decode(&stream)
		switch {
		case err == nil:
			current = stream.CurrentVersion
		case errors.Is(err, mongodriver.ErrNoDocuments):
			// Stream is created on first append.
		default:
			return nil, err
		}
		if current != expectedVersion {
			return nil, &eventstore.ConflictError{
				StreamType:     streamType,
				StreamID:       streamID,
				Expected:       expectedVersion,
				CurrentVersion: current,
			}
		}

		ts := s.now().UTC()
		docs := make([]any, 0, len(events))
		res := &eventstore.AppendResult{NewVersion: current + int64(len(events))}
		for i, in := range events {
			in.Normalize()
			version := current + int64(i) + 1
			evt := eventstore.Event{
				ID:             correlation.NewID(),
				Type:           in.Type,
				StreamType:     streamType,
				StreamID:       streamID,
				Version:        version,
				GlobalPosition: eventstore.Position(ts, streamType, streamID, version),
				BoundedContext: boundedContext,
				Category:       in.Category,
				SchemaVersion:  in.SchemaVersion,
				CorrelationID:  correlation.EnsureID(in.Metadata.CorrelationID),
				CausationID:    in.Metadata.CausationID,
				UserID:         in.Metadata.UserID,
				Timestamp:      ts,
				Payload:        in.Payload,
				IdempotencyKey: in.IdempotencyKey,
			}
			docs = append(docs, evt)
			res.EventIDs = append(res.EventIDs, evt.ID)
			res.GlobalPositions = append(res.GlobalPositions, evt.GlobalPosition)
		}
		if _, err := s.events.InsertMany(sc, docs); err != nil {
			return nil, err
		}
		update := bson.M{
			"$set": bson.M{"current_version": res.NewVersion, "updated_at": ts},
			"$setOnInsert": bson.M{"stream_type": streamType, "stream_id": streamID},
		}
		if _, err := s.streams.UpdateOne(sc, filter, update, options.Update().SetUpsert(true)); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*eventstore.AppendResult), nil
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]*eventstore.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	version, err := s.StreamVersion(ctx, streamType, streamID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, eventstore.ErrStreamNotFound
	}

	filter := bson.M{
		"stream_type": streamType,
		"stream_id":   streamID,
		"version":     bson.M{"$gt": fromVersion},
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return s.find(ctx, s.events, filter, opts)
}

// ReadFromPosition implements eventstore.Store.
func (s *Store) ReadFromPosition(ctx context.Context, from int64, limit int, filter *eventstore.ReadFilter) ([]*eventstore.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := bson.M{"global_position": bson.M{"$gt": from}}
	if filter != nil && filter.BoundedContext != "" {
		query["bounded_context"] = filter.BoundedContext
	}

	fetch := limit
	typeFilter := filter != nil && len(filter.EventTypes) > 0
	if typeFilter && limit > 0 {
		// Over-fetch so the post-filter can still fill the requested batch.
		fetch = limit * 3
	}
	opts := options.Find().SetSort(bson.D{{Key: "global_position", Value: 1}})
	if fetch > 0 {
		opts = opts.SetLimit(int64(fetch))
	}
	events, err := s.find(ctx, s.events, query, opts)
	if err != nil {
		return nil, err
	}
	if !typeFilter {
		return events, nil
	}

	wanted := make(map[string]struct{}, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		wanted[t] = struct{}{}
	}
	filtered := events[:0]
	for _, evt := range events {
		if _, ok := wanted[evt.Type]; ok {
			filtered = append(filtered, evt)
		}
		if limit > 0 && len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stream streamDocument
	err := s.streams.FindOne(ctx, bson.M{"stream_type": streamType, "stream_id": streamID}).Decode(&stream)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stream.CurrentVersion, nil
}

// ByCorrelation implements eventstore.Store.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]*eventstore.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.find(ctx, s.events,
		bson.M{"correlation_id": correlationID},
		options.Find().SetSort(bson.D{{Key: "global_position", Value: 1}}))
}

// GlobalPosition implements eventstore.Store.
func (s *Store) GlobalPosition(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "global_position", Value: -1}})
	var evt eventstore.Event
	err := s.events.FindOne(ctx, bson.M{}, opts).Decode(&evt)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return evt.GlobalPosition, nil
}

// ByIdempotencyKey implements eventstore.Store.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) ([]*eventstore.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.find(ctx, s.events,
		bson.M{"idempotency_key": key},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
}

func (s *Store) find(ctx context.Context, coll *mongodriver.Collection, filter any, opts *options.FindOptions) (events []*eventstore.Event, err error) {
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var evt eventstore.Event
		if err := cur.Decode(&evt); err != nil {
			return nil, err
		}
		events = append(events, &evt)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	eventIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "stream_type", Value: 1}, {Key: "stream_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "global_position", Value: 1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "event_type", Value: 1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, eventIndexes); err != nil {
		return err
	}
	streamIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "stream_type", Value: 1}, {Key: "stream_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
	}
	_, err := s.streams.Indexes().CreateMany(ctx, streamIndexes)
	return err
}
