// Package mongo implements the MongoDB-backed command record store. The
// unique index on command_id is the at-most-once gate: concurrent submitters
// race on the insert and all but one observe the existing record.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/sourced/runtime/command"
)

type (
	// Options configures the mongo command record store.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the records collection name. Defaults to
		// "command_records".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Store is the MongoDB command record store.
	Store struct {
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}
)

const (
	defaultCollection = "command_records"
	defaultTimeout    = 5 * time.Second
)

// New constructs a Store and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		col:     opts.Client.Database(opts.Database).Collection(opts.Collection),
		timeout: opts.Timeout,
		now:     opts.Now,
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure command record indexes: %w", err)
	}
	return s, nil
}

// CreateIfAbsent implements command.RecordStore.
func (s *Store) CreateIfAbsent(ctx context.Context, rec *command.Record) (*command.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, rec)
	if err == nil {
		return nil, true, nil
	}
	if !mongodriver.IsDuplicateKeyError(err) {
		return nil, false, err
	}
	var existing command.Record
	if err := s.col.FindOne(ctx, bson.M{"command_id": rec.CommandID}).Decode(&existing); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// Finish implements command.RecordStore.
func (s *Store) Finish(ctx context.Context, commandID string, status command.RecordStatus, digest json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.col.UpdateOne(ctx,
		bson.M{"command_id": commandID},
		bson.M{"$set": bson.M{
			"status":        status,
			"result_digest": digest,
			"updated_at":    s.now().UTC(),
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return command.ErrRecordNotFound
	}
	return nil
}

// Get implements command.RecordStore.
func (s *Store) Get(ctx context.Context, commandID string) (*command.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rec command.Record
	err := s.col.FindOne(ctx, bson.M{"command_id": commandID}).Decode(&rec)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, command.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "command_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return err
}
