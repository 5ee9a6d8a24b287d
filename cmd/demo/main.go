// Command demo wires an in-memory payments context end to end: commands run
// through the orchestrator, events land in the store, projections and a
// fraud-watch agent react through the work pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/sourced/runtime/agent"
	agentinmem "goa.design/sourced/runtime/agent/inmem"
	"goa.design/sourced/runtime/command"
	cmdinmem "goa.design/sourced/runtime/command/inmem"
	"goa.design/sourced/runtime/eventstore"
	esinmem "goa.design/sourced/runtime/eventstore/inmem"
	"goa.design/sourced/runtime/projection"
	projinmem "goa.design/sourced/runtime/projection/inmem"
	"goa.design/sourced/runtime/workpool"
	poolinmem "goa.design/sourced/runtime/workpool/inmem"
)

type payment struct {
	AccountID string  `json:"account_id"`
	Amount    float64 `json:"amount"`
}

func main() {
	ctx := context.Background()

	// 1) Work pool and event store (in-memory engine by default)
	pool, err := workpool.New(workpool.Options{Store: poolinmem.New()})
	must(err)
	events := esinmem.New(esinmem.Options{})

	// 2) Balance projection fed through the pool
	var (
		mu       sync.Mutex
		balances = map[string]float64{}
	)
	registry := projection.NewRegistry()
	projections, err := projection.NewEngine(projection.Options{
		Registry:    registry,
		Pool:        pool,
		Checkpoints: projinmem.NewCheckpointStore(),
		Poison:      projinmem.NewPoisonStore(nil),
		DeadLetters: projinmem.NewDeadLetterStore(),
	})
	must(err)
	must(registry.Register(&projection.Definition{
		Name:     "account-balances",
		Category: projection.CategoryView,
		Kind:     projection.KindPrimary,
		Context:  "payments",
		Handlers: map[string]projection.Handler{
			"PaymentRecorded": func(_ context.Context, evt *eventstore.Event) error {
				var p payment
				if err := json.Unmarshal(evt.Payload, &p); err != nil {
					return err
				}
				mu.Lock()
				balances[p.AccountID] += p.Amount
				mu.Unlock()
				return nil
			},
		},
	}))

	// 3) Orchestrator, bus, and the two payments commands
	bus := command.NewBus()
	var agents *agent.Runtime
	orch, err := command.NewOrchestrator(command.Options{
		Records:     cmdinmem.New(nil),
		Events:      events,
		Projections: projections,
		Subscribers: []command.Subscriber{subscriberFunc(func(ctx context.Context, evt *eventstore.Event) error {
			return agents.EventAppended(ctx, evt)
		})},
	})
	must(err)
	must(orch.Register(&command.Config{
		CommandType:       "RecordPayment",
		Context:           "payments",
		PrimaryProjection: "account-balances",
		Handler: func(ctx context.Context, env *command.Envelope) (*command.HandlerResult, error) {
			var p payment
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, err
			}
			ver, err := events.StreamVersion(ctx, "account", p.AccountID)
			if err != nil {
				return nil, err
			}
			return &command.HandlerResult{
				Status:          command.ResultSuccess,
				StreamType:      "account",
				StreamID:        p.AccountID,
				ExpectedVersion: ver,
				Events:          []eventstore.AppendEvent{{Type: "PaymentRecorded", Payload: env.Payload}},
			}, nil
		},
	}))
	must(orch.Register(&command.Config{
		CommandType: "FreezeAccount",
		Context:     "payments",
		Handler: func(ctx context.Context, env *command.Envelope) (*command.HandlerResult, error) {
			var p payment
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, err
			}
			ver, err := events.StreamVersion(ctx, "account", p.AccountID)
			if err != nil {
				return nil, err
			}
			return &command.HandlerResult{
				Status:          command.ResultSuccess,
				StreamType:      "account",
				StreamID:        p.AccountID,
				ExpectedVersion: ver,
				Events:          []eventstore.AppendEvent{{Type: "AccountFrozen", Payload: env.Payload}},
			}, nil
		},
	}))
	must(bus.Mount("payments", orch))

	// 4) Fraud-watch agent: freeze any account moving more than 1000 at once
	agents, err = agent.NewRuntime(agent.Options{
		Pool:        pool,
		Events:      events,
		Checkpoints: agentinmem.NewCheckpointStore(),
		Approvals:   agentinmem.NewApprovalStore(),
		DeadLetters: agentinmem.NewDeadLetterStore(),
		Audit:       agentinmem.NewAuditStore(),
		Spend:       agentinmem.NewSpendStore(),
		Commands:    bus,
	})
	must(err)
	must(agents.Register(&agent.Config{
		AgentID:       "fraud-watch",
		EventTypes:    []string{"PaymentRecorded"},
		PatternWindow: agent.PatternWindow{Duration: "1h", MinEvents: 1},
		OnEvent: func(_ context.Context, ec *agent.ExecutionContext) (*agent.Decision, error) {
			var p payment
			if err := json.Unmarshal(ec.Event.Payload, &p); err != nil {
				return nil, err
			}
			if p.Amount <= 1000 {
				return nil, nil
			}
			return &agent.Decision{
				Command: &command.Envelope{
					CommandType:   "FreezeAccount",
					TargetContext: "payments",
					Payload:       ec.Event.Payload,
				},
				Confidence: 0.95,
				Reason:     fmt.Sprintf("single payment of %.2f exceeds limit", p.Amount),
			}, nil
		},
	}))
	_, err = agents.ApplyLifecycleCommand(ctx, "fraud-watch", "StartAgent", nil)
	must(err)

	// 5) Record payments and drain the pool so reactions run
	for _, p := range []payment{
		{AccountID: "acc-1", Amount: 120},
		{AccountID: "acc-1", Amount: 80},
		{AccountID: "acc-2", Amount: 4200},
	} {
		payload, merr := json.Marshal(p)
		must(merr)
		res, derr := bus.Dispatch(ctx, &command.Envelope{
			CommandType:   "RecordPayment",
			TargetContext: "payments",
			Payload:       payload,
		})
		must(derr)
		fmt.Printf("RecordPayment %s -> %s (version %d)\n", p.AccountID, res.Status, res.Version)
	}
	must(pool.Drain(ctx))

	// 6) Inspect the read model and the agent's trail
	mu.Lock()
	for acc, total := range balances {
		fmt.Printf("balance %s = %.2f\n", acc, total)
	}
	mu.Unlock()

	frozen, err := events.ReadStream(ctx, "account", "acc-2", 0, 0)
	must(err)
	for _, evt := range frozen {
		fmt.Printf("acc-2 event %d: %s\n", evt.Version, evt.Type)
	}
	trail, err := agents.AuditTrail(ctx, "fraud-watch")
	must(err)
	for _, entry := range trail {
		fmt.Printf("audit: %s\n", entry.Type)
	}
}

type subscriberFunc func(ctx context.Context, evt *eventstore.Event) error

func (f subscriberFunc) EventAppended(ctx context.Context, evt *eventstore.Event) error {
	return f(ctx, evt)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
