// Package mongo implements the MongoDB-backed saga instance and process
// manager state stores. The unique index on (saga_type, saga_id) is the
// at-most-one gate for saga starts; process manager state is serialized
// upstream by workpool partitioning.
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

	"goa.design/sourced/runtime/saga"
)

type (
	// Options configures the mongo saga stores.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// InstanceCollection overrides the saga instances collection name.
		// Defaults to "saga_instances".
		InstanceCollection string
		// PMStateCollection overrides the process manager state collection
		// name. Defaults to "pm_states".
		PMStateCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Stores bundles the saga persistence backends sharing one database.
	Stores struct {
		Instances *InstanceStore
		PMStates  *PMStateStore
	}

	// InstanceStore is the MongoDB saga.InstanceStore.
	InstanceStore struct {
		client  *mongodriver.Client
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}

	// PMStateStore is the MongoDB saga.PMStateStore.
	PMStateStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}
)

const (
	defaultInstanceCollection = "saga_instances"
	defaultPMStateCollection  = "pm_states"
	defaultTimeout            = 5 * time.Second
)

// New constructs the saga stores and ensures their indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.InstanceCollection == "" {
		opts.InstanceCollection = defaultInstanceCollection
	}
	if opts.PMStateCollection == "" {
		opts.PMStateCollection = defaultPMStateCollection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	db := opts.Client.Database(opts.Database)
	stores := &Stores{
		Instances: &InstanceStore{
			client:  opts.Client,
			col:     db.Collection(opts.InstanceCollection),
			timeout: opts.Timeout,
			now:     opts.Now,
		},
		PMStates: &PMStateStore{
			col:     db.Collection(opts.PMStateCollection),
			timeout: opts.Timeout,
			now:     opts.Now,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := stores.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure saga indexes: %w", err)
	}
	return stores, nil
}

// CreateIfAbsent implements saga.InstanceStore.
func (s *InstanceStore) CreateIfAbsent(ctx context.Context, inst *saga.Instance) (*saga.Instance, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, inst)
	if err == nil {
		return nil, true, nil
	}
	if !mongodriver.IsDuplicateKeyError(err) {
		return nil, false, err
	}
	var existing saga.Instance
	if err := s.col.FindOne(ctx, instanceFilter(inst.SagaType, inst.SagaID)).Decode(&existing); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// SetStatus implements saga.InstanceStore.
func (s *InstanceStore) SetStatus(ctx context.Context, sagaType, sagaID string, status saga.InstanceStatus, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	set := bson.M{"status": status, "error": errMsg}
	if status == saga.InstanceCompleted || status == saga.InstanceCompensated || status == saga.InstanceFailed {
		set["completed_at"] = s.now().UTC()
	}
	res, err := s.col.UpdateOne(ctx, instanceFilter(sagaType, sagaID), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return saga.ErrInstanceNotFound
	}
	return nil
}

// Get implements saga.InstanceStore.
func (s *InstanceStore) Get(ctx context.Context, sagaType, sagaID string) (*saga.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var inst saga.Instance
	err := s.col.FindOne(ctx, instanceFilter(sagaType, sagaID)).Decode(&inst)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, saga.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListByStatus implements saga.InstanceStore.
func (s *InstanceStore) ListByStatus(ctx context.Context, sagaType string, status saga.InstanceStatus) ([]*saga.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if sagaType != "" {
		filter["saga_type"] = sagaType
	}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "saga_type", Value: 1}, {Key: "saga_id", Value: 1}})
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*saga.Instance
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Name implements health.Pinger.
func (s *InstanceStore) Name() string { return "saga-mongo" }

// Ping implements health.Pinger.
func (s *InstanceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Get implements saga.PMStateStore.
func (s *PMStateStore) Get(ctx context.Context, pmName, instanceID string) (*saga.PMState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var state saga.PMState
	err := s.col.FindOne(ctx, pmFilter(pmName, instanceID)).Decode(&state)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, saga.ErrPMStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save implements saga.PMStateStore.
func (s *PMStateStore) Save(ctx context.Context, state *saga.PMState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":               state.Status,
			"last_global_position": state.LastGlobalPosition,
			"commands_emitted":     state.CommandsEmitted,
			"commands_failed":      state.CommandsFailed,
			"custom_state":         state.CustomState,
			"trigger_event_id":     state.TriggerEventID,
			"correlation_id":       state.CorrelationID,
			"error_message":        state.ErrorMessage,
			"last_updated_at":      state.LastUpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": state.CreatedAt},
		"$inc":         bson.M{"state_version": 1},
	}
	res := s.col.FindOneAndUpdate(ctx, pmFilter(state.PMName, state.InstanceID), update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	var saved saga.PMState
	if err := res.Decode(&saved); err != nil {
		return err
	}
	state.StateVersion = saved.StateVersion
	return nil
}

// List implements saga.PMStateStore.
func (s *PMStateStore) List(ctx context.Context, pmName string, status saga.PMStatus) ([]*saga.PMState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if pmName != "" {
		filter["pm_name"] = pmName
	}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "pm_name", Value: 1}, {Key: "instance_id", Value: 1}})
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*saga.PMState
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	_, err := s.Instances.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "saga_type", Value: 1}, {Key: "saga_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "saga_type", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.PMStates.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "pm_name", Value: 1}, {Key: "instance_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "pm_name", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

func instanceFilter(sagaType, sagaID string) bson.M {
	return bson.M{"saga_type": sagaType, "saga_id": sagaID}
}

func pmFilter(pmName, instanceID string) bson.M {
	return bson.M{"pm_name": pmName, "instance_id": instanceID}
}
