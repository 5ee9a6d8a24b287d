// Package mongo implements the MongoDB-backed replay checkpoint store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/sourced/runtime/replay"
)

type (
	// Options configures the mongo replay store.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the checkpoints collection name. Defaults to
		// "replay_checkpoints".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the MongoDB replay store.
	Store struct {
		col     *mongodriver.Collection
		timeout time.Duration
	}
)

const (
	defaultCollection = "replay_checkpoints"
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
	s := &Store{
		col:     opts.Client.Database(opts.Database).Collection(opts.Collection),
		timeout: opts.Timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure replay indexes: %w", err)
	}
	return s, nil
}

// Insert implements replay.Store.
func (s *Store) Insert(ctx context.Context, cp *replay.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.col.InsertOne(ctx, cp)
	return err
}

// Update implements replay.Store.
func (s *Store) Update(ctx context.Context, cp *replay.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.col.ReplaceOne(ctx, bson.M{"replay_id": cp.ReplayID}, cp)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return replay.ErrReplayNotFound
	}
	return nil
}

// Get implements replay.Store.
func (s *Store) Get(ctx context.Context, replayID string) (*replay.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cp replay.Checkpoint
	err := s.col.FindOne(ctx, bson.M{"replay_id": replayID}).Decode(&cp)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, replay.ErrReplayNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ActiveForProjection implements replay.Store.
func (s *Store) ActiveForProjection(ctx context.Context, projection string) (*replay.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cp replay.Checkpoint
	err := s.col.FindOne(ctx, bson.M{"projection": projection, "status": replay.StatusRunning}).Decode(&cp)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListByStatus implements replay.Store.
func (s *Store) ListByStatus(ctx context.Context, status replay.Status) ([]*replay.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var cps []*replay.Checkpoint
	if err := cur.All(ctx, &cps); err != nil {
		return nil, err
	}
	return cps, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "replay_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "projection", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}
