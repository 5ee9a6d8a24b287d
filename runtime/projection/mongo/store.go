// Package mongo implements the MongoDB-backed projection stores: checkpoints,
// poison events and dead letters share one database and are indexed for the
// lookups the engine performs on every apply.
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

	"goa.design/sourced/runtime/projection"
)

type (
	// Options configures the mongo projection stores.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// CheckpointsCollection overrides the checkpoints collection name.
		// Defaults to "projection_checkpoints".
		CheckpointsCollection string
		// PoisonCollection overrides the poison events collection name.
		// Defaults to "poison_events".
		PoisonCollection string
		// DeadLettersCollection overrides the dead letters collection name.
		// Defaults to "projection_dead_letters".
		DeadLettersCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Stores bundles the three mongo-backed projection stores.
	Stores struct {
		Checkpoints *CheckpointStore
		Poison      *PoisonStore
		DeadLetters *DeadLetterStore
	}

	// CheckpointStore is the MongoDB projection.CheckpointStore.
	CheckpointStore struct {
		client  *mongodriver.Client
		col     *mongodriver.Collection
		timeout time.Duration
	}

	// PoisonStore is the MongoDB projection.PoisonStore.
	PoisonStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}

	// DeadLetterStore is the MongoDB projection.DeadLetterStore.
	DeadLetterStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
	}
)

const (
	defaultCheckpoints = "projection_checkpoints"
	defaultPoison      = "poison_events"
	defaultDeadLetters = "projection_dead_letters"
	defaultTimeout     = 5 * time.Second
	storeName          = "projection-mongo"
)

// New constructs the projection stores and ensures their indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.CheckpointsCollection == "" {
		opts.CheckpointsCollection = defaultCheckpoints
	}
	if opts.PoisonCollection == "" {
		opts.PoisonCollection = defaultPoison
	}
	if opts.DeadLettersCollection == "" {
		opts.DeadLettersCollection = defaultDeadLetters
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	db := opts.Client.Database(opts.Database)
	stores := &Stores{
		Checkpoints: &CheckpointStore{
			client:  opts.Client,
			col:     db.Collection(opts.CheckpointsCollection),
			timeout: opts.Timeout,
		},
		Poison: &PoisonStore{
			col:     db.Collection(opts.PoisonCollection),
			timeout: opts.Timeout,
			now:     opts.Now,
		},
		DeadLetters: &DeadLetterStore{
			col:     db.Collection(opts.DeadLettersCollection),
			timeout: opts.Timeout,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := stores.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure projection indexes: %w", err)
	}
	return stores, nil
}

// Name implements health.Pinger.
func (s *CheckpointStore) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Get implements projection.CheckpointStore.
func (s *CheckpointStore) Get(ctx context.Context, proj, partition string) (*projection.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var cp projection.Checkpoint
	err := s.col.FindOne(ctx, bson.M{"projection_name": proj, "partition_key": partition}).Decode(&cp)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return &projection.Checkpoint{
			ProjectionName:     proj,
			PartitionKey:       partition,
			LastGlobalPosition: projection.CheckpointNone,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save implements projection.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, cp *projection.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"projection_name": cp.ProjectionName, "partition_key": cp.PartitionKey}
	_, err := s.col.ReplaceOne(ctx, filter, cp, options.Replace().SetUpsert(true))
	return err
}

// List implements projection.CheckpointStore.
func (s *CheckpointStore) List(ctx context.Context, proj string) ([]*projection.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.col.Find(ctx, bson.M{"projection_name": proj},
		options.Find().SetSort(bson.D{{Key: "partition_key", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var cps []*projection.Checkpoint
	if err := cur.All(ctx, &cps); err != nil {
		return nil, err
	}
	return cps, nil
}

// Reset implements projection.CheckpointStore.
func (s *CheckpointStore) Reset(ctx context.Context, proj string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.DeleteMany(ctx, bson.M{"projection_name": proj})
	return err
}

// Get implements projection.PoisonStore.
func (s *PoisonStore) Get(ctx context.Context, proj, eventID string) (*projection.PoisonEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var record projection.PoisonEvent
	err := s.col.FindOne(ctx, bson.M{"projection_name": proj, "event_id": eventID}).Decode(&record)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, projection.ErrPoisonNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RecordFailure implements projection.PoisonStore.
func (s *PoisonStore) RecordFailure(ctx context.Context, record *projection.PoisonEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	filter := bson.M{"projection_name": record.ProjectionName, "event_id": record.EventID}
	update := bson.M{
		"$inc": bson.M{"attempt_count": 1},
		"$set": bson.M{"error": record.Error, "updated_at": now},
		"$setOnInsert": bson.M{
			"event_type":      record.EventType,
			"partition_key":   record.PartitionKey,
			"global_position": record.GlobalPosition,
			"status":          projection.PoisonPending,
			"event_payload":   record.EventPayload,
		},
	}
	_, err := s.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// SetStatus implements projection.PoisonStore.
func (s *PoisonStore) SetStatus(ctx context.Context, proj, eventID string, status projection.PoisonStatus, resolvedBy, notes string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	set := bson.M{"status": status, "updated_at": now}
	if status == projection.PoisonQuarantined {
		set["quarantined_at"] = now
	}
	if resolvedBy != "" {
		set["resolved_by"] = resolvedBy
	}
	if notes != "" {
		set["review_notes"] = notes
	}
	res, err := s.col.UpdateOne(ctx,
		bson.M{"projection_name": proj, "event_id": eventID},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return projection.ErrPoisonNotFound
	}
	return nil
}

// ListByStatus implements projection.PoisonStore.
func (s *PoisonStore) ListByStatus(ctx context.Context, proj string, status projection.PoisonStatus) ([]*projection.PoisonEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"status": status}
	if proj != "" {
		filter["projection_name"] = proj
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{
		{Key: "projection_name", Value: 1},
		{Key: "global_position", Value: 1},
	}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var records []*projection.PoisonEvent
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// QuarantinedOnPartition implements projection.PoisonStore.
func (s *PoisonStore) QuarantinedOnPartition(ctx context.Context, proj, partition string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.col.CountDocuments(ctx, bson.M{
		"projection_name": proj,
		"partition_key":   partition,
		"status":          projection.PoisonQuarantined,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Insert implements projection.DeadLetterStore.
func (s *DeadLetterStore) Insert(ctx context.Context, dl *projection.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, dl)
	return err
}

// List implements projection.DeadLetterStore.
func (s *DeadLetterStore) List(ctx context.Context, proj string, status projection.DeadLetterStatus) ([]*projection.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if proj != "" {
		filter["projection_name"] = proj
	}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var letters []*projection.DeadLetter
	if err := cur.All(ctx, &letters); err != nil {
		return nil, err
	}
	return letters, nil
}

// Resolve implements projection.DeadLetterStore.
func (s *DeadLetterStore) Resolve(ctx context.Context, id, resolvedBy string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.col.UpdateOne(ctx,
		bson.M{"dead_letter_id": id},
		bson.M{"$set": bson.M{"status": projection.DeadLetterResolved, "resolved_by": resolvedBy}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return projection.ErrDeadLetterNotFound
	}
	return nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	_, err := s.Checkpoints.col.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "projection_name", Value: 1}, {Key: "partition_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.Poison.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "projection_name", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "projection_name", Value: 1}}},
		{Keys: bson.D{{Key: "projection_name", Value: 1}, {Key: "partition_key", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.DeadLetters.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "dead_letter_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "projection_name", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}
