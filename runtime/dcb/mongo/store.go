// Package mongo implements the MongoDB-backed scope store. The unique index
// on scope_key plus a filtered update on current_version give scope commits
// compare-and-swap semantics without transactions.
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

	"goa.design/sourced/runtime/dcb"
)

type (
	// Options configures the mongo scope store.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the scopes collection name. Defaults to
		// "dcb_scopes".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Store is the MongoDB dcb.Store.
	Store struct {
		client  *mongodriver.Client
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}
)

const (
	defaultCollection = "dcb_scopes"
	defaultTimeout    = 5 * time.Second
)

// New constructs the store and ensures its indexes.
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
		client:  opts.Client,
		col:     opts.Client.Database(opts.Database).Collection(opts.Collection),
		timeout: opts.Timeout,
		now:     opts.Now,
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure scope indexes: %w", err)
	}
	return s, nil
}

// GetOrCreate implements dcb.Store.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*dcb.Scope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	update := bson.M{"$setOnInsert": bson.M{
		"scope_key":       key,
		"current_version": int64(0),
		"streams":         []dcb.StreamRef{},
		"created_at":      now,
		"last_updated_at": now,
	}}
	res := s.col.FindOneAndUpdate(ctx, scopeFilter(key), update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	var scope dcb.Scope
	if err := res.Decode(&scope); err != nil {
		return nil, err
	}
	return &scope, nil
}

// Get implements dcb.Store.
func (s *Store) Get(ctx context.Context, key string) (*dcb.Scope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var scope dcb.Scope
	err := s.col.FindOne(ctx, scopeFilter(key)).Decode(&scope)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, dcb.ErrScopeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &scope, nil
}

// Commit implements dcb.Store. The version bump is a single filtered update
// so concurrent commits race on current_version and exactly one wins.
func (s *Store) Commit(ctx context.Context, key string, expectedVersion int64, streams []dcb.StreamRef) (*dcb.Scope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	update := bson.M{
		"$inc": bson.M{"current_version": int64(1)},
		"$set": bson.M{"last_updated_at": now},
	}
	if len(streams) > 0 {
		update["$addToSet"] = bson.M{"streams": bson.M{"$each": streams}}
	}
	filter := bson.M{"scope_key": key, "current_version": expectedVersion}
	res := s.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	var scope dcb.Scope
	err := res.Decode(&scope)
	if err == nil {
		return &scope, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, err
	}
	if expectedVersion == 0 {
		created := &dcb.Scope{
			ScopeKey:       key,
			CurrentVersion: 1,
			Streams:        dcb.MergeStreams(nil, streams),
			CreatedAt:      now,
			LastUpdatedAt:  now,
		}
		_, err := s.col.InsertOne(ctx, created)
		if err == nil {
			return created, nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return nil, err
		}
	}
	current, err := s.Get(ctx, key)
	if errors.Is(err, dcb.ErrScopeNotFound) {
		return nil, dcb.ErrScopeNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, &dcb.ConflictError{
		ScopeKey:       key,
		Expected:       expectedVersion,
		CurrentVersion: current.CurrentVersion,
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "dcb-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "scope_key", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}

func scopeFilter(key string) bson.M {
	return bson.M{"scope_key": key}
}
