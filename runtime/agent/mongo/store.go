// Package mongo implements the MongoDB-backed agent stores: checkpoints,
// pending approvals, dead letters, the append-only audit trail and per-day
// model spend.
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

	"goa.design/sourced/runtime/agent"
)

type (
	// Options configures the mongo agent stores.
	Options struct {
		// Client is the MongoDB client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// CheckpointCollection defaults to "agent_checkpoints".
		CheckpointCollection string
		// ApprovalCollection defaults to "pending_approvals".
		ApprovalCollection string
		// DeadLetterCollection defaults to "agent_dead_letters".
		DeadLetterCollection string
		// AuditCollection defaults to "agent_audit_events".
		AuditCollection string
		// SpendCollection defaults to "agent_spend".
		SpendCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Stores bundles the agent persistence backends sharing one database.
	Stores struct {
		Checkpoints *CheckpointStore
		Approvals   *ApprovalStore
		DeadLetters *DeadLetterStore
		Audit       *AuditStore
		Spend       *SpendStore
	}

	// CheckpointStore is the MongoDB agent.CheckpointStore.
	CheckpointStore struct {
		client  *mongodriver.Client
		col     *mongodriver.Collection
		timeout time.Duration
	}

	// ApprovalStore is the MongoDB agent.ApprovalStore.
	ApprovalStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
	}

	// DeadLetterStore is the MongoDB agent.DeadLetterStore.
	DeadLetterStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
	}

	// AuditStore is the MongoDB agent.AuditStore.
	AuditStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
	}

	// SpendStore is the MongoDB agent.SpendStore.
	SpendStore struct {
		col     *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}
)

const defaultTimeout = 5 * time.Second

// New constructs the agent stores and ensures their indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.CheckpointCollection == "" {
		opts.CheckpointCollection = "agent_checkpoints"
	}
	if opts.ApprovalCollection == "" {
		opts.ApprovalCollection = "pending_approvals"
	}
	if opts.DeadLetterCollection == "" {
		opts.DeadLetterCollection = "agent_dead_letters"
	}
	if opts.AuditCollection == "" {
		opts.AuditCollection = "agent_audit_events"
	}
	if opts.SpendCollection == "" {
		opts.SpendCollection = "agent_spend"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	db := opts.Client.Database(opts.Database)
	stores := &Stores{
		Checkpoints: &CheckpointStore{client: opts.Client, col: db.Collection(opts.CheckpointCollection), timeout: opts.Timeout},
		Approvals:   &ApprovalStore{col: db.Collection(opts.ApprovalCollection), timeout: opts.Timeout},
		DeadLetters: &DeadLetterStore{col: db.Collection(opts.DeadLetterCollection), timeout: opts.Timeout},
		Audit:       &AuditStore{col: db.Collection(opts.AuditCollection), timeout: opts.Timeout},
		Spend:       &SpendStore{col: db.Collection(opts.SpendCollection), timeout: opts.Timeout, now: opts.Now},
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := stores.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure agent indexes: %w", err)
	}
	return stores, nil
}

// Get implements agent.CheckpointStore.
func (s *CheckpointStore) Get(ctx context.Context, agentID string) (*agent.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var cp agent.Checkpoint
	err := s.col.FindOne(ctx, bson.M{"agent_id": agentID}).Decode(&cp)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, agent.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save implements agent.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.ReplaceOne(ctx, bson.M{"agent_id": cp.AgentID}, cp, options.Replace().SetUpsert(true))
	return err
}

// List implements agent.CheckpointStore.
func (s *CheckpointStore) List(ctx context.Context) ([]*agent.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "agent_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*agent.Checkpoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Name implements health.Pinger.
func (s *CheckpointStore) Name() string { return "agent-mongo" }

// Ping implements health.Pinger.
func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Insert implements agent.ApprovalStore.
func (s *ApprovalStore) Insert(ctx context.Context, pa *agent.PendingApproval) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, pa)
	return err
}

// Get implements agent.ApprovalStore.
func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (*agent.PendingApproval, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var pa agent.PendingApproval
	err := s.col.FindOne(ctx, bson.M{"approval_id": approvalID}).Decode(&pa)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, agent.ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pa, nil
}

// Update implements agent.ApprovalStore.
func (s *ApprovalStore) Update(ctx context.Context, pa *agent.PendingApproval) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.col.ReplaceOne(ctx, bson.M{"approval_id": pa.ApprovalID}, pa)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return agent.ErrApprovalNotFound
	}
	return nil
}

// List implements agent.ApprovalStore.
func (s *ApprovalStore) List(ctx context.Context, agentID string, status agent.ApprovalStatus) ([]*agent.PendingApproval, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "requested_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*agent.PendingApproval
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListExpirable implements agent.ApprovalStore.
func (s *ApprovalStore) ListExpirable(ctx context.Context, now time.Time) ([]*agent.PendingApproval, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"status": agent.ApprovalPending, "expires_at": bson.M{"$lte": now}}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*agent.PendingApproval
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert implements agent.DeadLetterStore.
func (s *DeadLetterStore) Insert(ctx context.Context, dl *agent.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, dl)
	return err
}

// Get implements agent.DeadLetterStore.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*agent.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var dl agent.DeadLetter
	err := s.col.FindOne(ctx, bson.M{"dead_letter_id": id}).Decode(&dl)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, agent.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// SetStatus implements agent.DeadLetterStore.
func (s *DeadLetterStore) SetStatus(ctx context.Context, id string, status agent.DeadLetterStatus, resolvedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.col.UpdateOne(ctx,
		bson.M{"dead_letter_id": id},
		bson.M{"$set": bson.M{"status": status, "resolved_at": resolvedAt}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return agent.ErrDeadLetterNotFound
	}
	return nil
}

// List implements agent.DeadLetterStore.
func (s *DeadLetterStore) List(ctx context.Context, agentID string, status agent.DeadLetterStatus) ([]*agent.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*agent.DeadLetter
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Append implements agent.AuditStore.
func (s *AuditStore) Append(ctx context.Context, evt *agent.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.col.InsertOne(ctx, evt)
	return err
}

// List implements agent.AuditStore.
func (s *AuditStore) List(ctx context.Context, agentID string) ([]*agent.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*agent.AuditEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Add implements agent.SpendStore.
func (s *SpendStore) Add(ctx context.Context, agentID, day string, amount float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.col.FindOneAndUpdate(ctx,
		bson.M{"agent_id": agentID, "day": day},
		bson.M{
			"$inc": bson.M{"current_spend": amount},
			"$set": bson.M{"updated_at": s.now().UTC()},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	var rec agent.SpendRecord
	if err := res.Decode(&rec); err != nil {
		return 0, err
	}
	return rec.CurrentSpend, nil
}

// Get implements agent.SpendStore.
func (s *SpendStore) Get(ctx context.Context, agentID, day string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rec agent.SpendRecord
	err := s.col.FindOne(ctx, bson.M{"agent_id": agentID, "day": day}).Decode(&rec)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.CurrentSpend, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	_, err := s.Checkpoints.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return err
	}
	_, err = s.Approvals.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "approval_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "agent_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.DeadLetters.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "dead_letter_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.Audit.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.Spend.col.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "day", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}
