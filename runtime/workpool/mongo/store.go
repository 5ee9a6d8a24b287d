// Package mongo implements the MongoDB-backed workpool task store. A
// counters collection assigns the monotone sequence numbers that partition
// FIFO ordering relies on; claims use findOneAndUpdate so only one worker
// wins a task.
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

	"goa.design/sourced/runtime/workpool"
)

type (
	// Options configures the mongo task store.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the tasks collection name. Defaults to "workpool_tasks".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the MongoDB task store.
	Store struct {
		client   *mongodriver.Client
		tasks    *mongodriver.Collection
		counters *mongodriver.Collection
		timeout  time.Duration
	}
)

const (
	defaultCollection = "workpool_tasks"
	defaultTimeout    = 5 * time.Second
	storeName         = "workpool-mongo"
	seqCounterID      = "workpool_task_seq"

	// claimRetries bounds how many partitions a single Claim call will skip
	// over while hunting for a FIFO-safe task.
	claimRetries = 8
)

// New constructs a Store backed by the provided MongoDB client.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:   opts.Client,
		tasks:    db.Collection(collection),
		counters: db.Collection(collection + "_counters"),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure workpool indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Insert implements workpool.Store.
func (s *Store) Insert(ctx context.Context, task *workpool.Task) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	task.Seq = seq
	_, err = s.tasks.InsertOne(ctx, task)
	return err
}

// Update implements workpool.Store.
func (s *Store) Update(ctx context.Context, task *workpool.Task) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.tasks.ReplaceOne(ctx, bson.M{"task_id": task.ID}, task)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workpool.ErrTaskNotFound
	}
	return nil
}

// Claim implements workpool.Store. FIFO within a partition is enforced by
// re-checking, after a tentative claim, that no earlier pending task exists
// in the claimed task's partition; violations release the task and skip the
// partition.
func (s *Store) Claim(ctx context.Context, now time.Time, busy []string) (*workpool.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	skip := append([]string(nil), busy...)
	for attempt := 0; attempt < claimRetries; attempt++ {
		filter := bson.M{
			"state":       workpool.TaskScheduled,
			"next_run_at": bson.M{"$lte": now},
		}
		if len(skip) > 0 {
			filter["partition_key"] = bson.M{"$nin": skip}
		}
		update := bson.M{"$set": bson.M{"state": workpool.TaskRunning, "updated_at": now}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetReturnDocument(options.After)

		var task workpool.Task
		err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&task)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workpool.ErrNoTasksReady
		}
		if err != nil {
			return nil, err
		}
		if task.PartitionKey == "" {
			return &task, nil
		}

		earlier, err := s.tasks.CountDocuments(ctx, bson.M{
			"partition_key": task.PartitionKey,
			"seq":           bson.M{"$lt": task.Seq},
			"state":         bson.M{"$in": []workpool.TaskState{workpool.TaskScheduled, workpool.TaskRunning}},
		})
		if err != nil {
			return nil, err
		}
		if earlier == 0 {
			return &task, nil
		}

		// An earlier task in this partition is pending; release and move on.
		release := bson.M{"$set": bson.M{"state": workpool.TaskScheduled, "updated_at": now}}
		if _, rerr := s.tasks.UpdateOne(ctx, bson.M{"task_id": task.ID}, release); rerr != nil {
			return nil, rerr
		}
		skip = append(skip, task.PartitionKey)
	}
	return nil, workpool.ErrNoTasksReady
}

// Get implements workpool.Store.
func (s *Store) Get(ctx context.Context, id string) (*workpool.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var task workpool.Task
	err := s.tasks.FindOne(ctx, bson.M{"task_id": id}).Decode(&task)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, workpool.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// PartitionDepths implements workpool.Store.
func (s *Store) PartitionDepths(ctx context.Context) (map[string]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"state": workpool.TaskScheduled}}},
		{{Key: "$group", Value: bson.M{"_id": "$partition_key", "depth": bson.M{"$sum": 1}}}},
	}
	cur, err := s.tasks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	depths := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Depth int    `bson:"depth"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		depths[row.ID] = row.Depth
	}
	return depths, cur.Err()
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": seqCounterID},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next task seq: %w", err)
	}
	return counter.Value, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "next_run_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "partition_key", Value: 1}, {Key: "seq", Value: 1}}},
	}
	_, err := s.tasks.Indexes().CreateMany(ctx, indexes)
	return err
}
