// Command sourced runs a bounded-context runtime node: MongoDB-backed event
// store, work pool, projection and replay engines, command orchestrator, and
// the fraud-watch style agent runtime. Configuration comes from a YAML file;
// an ops HTTP listener exposes store health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/sourced/admin"
	"goa.design/sourced/config"
	"goa.design/sourced/features/model/anthropic"
	"goa.design/sourced/features/model/openai"
	streampulse "goa.design/sourced/features/stream/pulse"
	clientspulse "goa.design/sourced/features/stream/pulse/clients/pulse"
	"goa.design/sourced/runtime/agent"
	agentmongo "goa.design/sourced/runtime/agent/mongo"
	"goa.design/sourced/runtime/agent/model"
	"goa.design/sourced/runtime/breaker"
	"goa.design/sourced/runtime/command"
	cmdmongo "goa.design/sourced/runtime/command/mongo"
	"goa.design/sourced/runtime/eventstore"
	esmongo "goa.design/sourced/runtime/eventstore/mongo"
	"goa.design/sourced/runtime/projection"
	projmongo "goa.design/sourced/runtime/projection/mongo"
	"goa.design/sourced/runtime/replay"
	replaymongo "goa.design/sourced/runtime/replay/mongo"
	"goa.design/sourced/runtime/telemetry"
	"goa.design/sourced/runtime/workpool"
	poolmongo "goa.design/sourced/runtime/workpool/mongo"
)

func main() {
	var (
		configF = flag.String("config", "sourced.yaml", "Path to the YAML configuration file")
		opsF    = flag.String("ops-addr", ":8081", "Ops HTTP listen address (health checks)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF, *opsF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath, opsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Stores share one Mongo client.
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		_ = client.Disconnect(context.Background())
	}()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout.Std())
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	events, err := esmongo.New(ctx, esmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}
	taskStore, err := poolmongo.New(ctx, poolmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}
	pool, err := workpool.New(workpool.Options{
		Store:                 taskStore,
		MaxParallelism:        cfg.Pool.MaxParallelism,
		PollInterval:          cfg.Pool.PollInterval.Std(),
		DefaultMaxAttempts:    cfg.Pool.DefaultMaxAttempts,
		DefaultInitialBackoff: cfg.Pool.DefaultInitialBackoff.Std(),
		DefaultBase:           cfg.Pool.DefaultBase,
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}

	registry := projection.NewRegistry()
	projStores, err := projmongo.New(ctx, projmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}
	projections, err := projection.NewEngine(projection.Options{
		Registry:    registry,
		Pool:        pool,
		Checkpoints: projStores.Checkpoints,
		Poison:      projStores.Poison,
		DeadLetters: projStores.DeadLetters,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	replayStore, err := replaymongo.New(ctx, replaymongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}
	replays, err := replay.NewEngine(replay.Options{
		Events:      events,
		Projections: projections,
		Registry:    registry,
		Pool:        pool,
		Store:       replayStore,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	records, err := cmdmongo.New(ctx, cmdmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}

	backend, err := buildBackend(cfg.Model)
	if err != nil {
		return err
	}
	agentStores, err := agentmongo.New(ctx, agentmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Std(),
	})
	if err != nil {
		return err
	}

	bus := command.NewBus()
	var agents *agent.Runtime
	subscribers := []command.Subscriber{subscriberFunc(func(ctx context.Context, evt *eventstore.Event) error {
		return agents.EventAppended(ctx, evt)
	})}
	pingers := []health.Pinger{events, taskStore, projStores.Checkpoints, agentStores.Checkpoints}

	middlewares := []command.Middleware{command.LoggingMiddleware(logger, metrics, nil)}

	// Optional Pulse fan-out and cluster-coordinated dispatch budget when
	// Redis is configured.
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pulseClient, perr := clientspulse.New(clientspulse.Options{Redis: rdb})
		if perr != nil {
			return perr
		}
		streams, serr := streampulse.NewContextStreams(streampulse.ContextStreamsOptions{Client: pulseClient})
		if serr != nil {
			return serr
		}
		defer func() {
			_ = streams.Close(context.Background())
		}()
		sink := streams.Sink()
		subscribers = append(subscribers, subscriberFunc(sink.Send))
		if p, ok := pulseClient.(health.Pinger); ok {
			pingers = append(pingers, p)
		}

		budget, merr := rmap.Join(ctx, "sourced-dispatch-budget", rdb)
		if merr != nil {
			return fmt.Errorf("join dispatch budget map: %w", merr)
		}
		limiter := command.NewClusterRateLimiter(ctx, budget, "default", float64(cfg.Pool.MaxParallelism)*600, float64(cfg.Pool.MaxParallelism)*1200)
		middlewares = append(middlewares, limiter.Middleware())
	}

	orch, err := command.NewOrchestrator(command.Options{
		Records:     records,
		Events:      events,
		Projections: projections,
		Subscribers: subscribers,
		Middlewares: middlewares,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	if err := bus.Mount("default", orch); err != nil {
		return err
	}

	agents, err = agent.NewRuntime(agent.Options{
		Pool:        pool,
		Events:      events,
		Checkpoints: agentStores.Checkpoints,
		Approvals:   agentStores.Approvals,
		DeadLetters: agentStores.DeadLetters,
		Audit:       agentStores.Audit,
		Spend:       agentStores.Spend,
		Commands:    bus,
		Backend:     backend,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	breakers := breaker.NewSet(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout.Std(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})
	surface, err := admin.New(admin.Options{
		Replays:     replays,
		Projections: projections,
		Agents:      agents,
		Breakers:    breakers,
		Guard: &admin.Guard{
			TestMode:         cfg.Admin.TestMode,
			ProductionMarker: cfg.Admin.ProductionMarker,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Ops listener: health over the Mongo-backed stores.
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	srv := &http.Server{Addr: opsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err)
		}
	}()

	pool.Start(ctx)
	log.Print(ctx, log.KV{K: "msg", V: "sourced node running"}, log.KV{K: "ops", V: opsAddr})

	// Sweep expired approvals periodically so abandoned requests age out even
	// when nobody calls Approve or Reject.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, serr := surface.SweepExpiredApprovals(ctx)
				if serr != nil {
					log.Error(ctx, serr)
					continue
				}
				if n > 0 {
					log.Print(ctx, log.KV{K: "msg", V: "expired approvals swept"}, log.KV{K: "count", V: n})
				}
			}
		}
	}()

	<-ctx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	pool.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// buildBackend selects the model backend named by configuration. Bedrock
// deployments construct their runtime client programmatically and pass it to
// features/model/bedrock, so the binary only wires key-based providers.
func buildBackend(cfg config.ModelConfig) (model.Backend, error) {
	switch cfg.Provider {
	case "mock", "":
		return &model.Mock{}, nil
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.APIKey(), cfg.DefaultModel)
	case "openai":
		return openai.NewFromAPIKey(cfg.APIKey(), cfg.DefaultModel)
	case "bedrock":
		return nil, errors.New("bedrock backend requires a pre-built runtime client; wire it via features/model/bedrock")
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

type subscriberFunc func(ctx context.Context, evt *eventstore.Event) error

func (f subscriberFunc) EventAppended(ctx context.Context, evt *eventstore.Event) error {
	return f(ctx, evt)
}
