package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/broker"
	"switchboard/internal/channel"
	"switchboard/internal/channel/builtin"
	"switchboard/internal/config"
	"switchboard/internal/config_handler"
	"switchboard/internal/constants"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/pipeline"
	"switchboard/internal/ratelimit"
	"switchboard/internal/rules"
	"switchboard/internal/store"
	"switchboard/internal/threading"
	"switchboard/internal/webhook"
	"switchboard/pkg/bootstrap"
	"switchboard/pkg/cel"
	"switchboard/pkg/health"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	processor      *pipeline.Processor
	rules          *rules.Service
	flows          *flows.Engine
	sweeper        *webhook.Sweeper
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) bootstrap.Service {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceProcessor, cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.InitBroker(a.redisClient); err != nil {
		return err
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := a.InitTracing(); err != nil {
		return err
	}

	metrics.RegisterProcessorMetrics()
	metrics.RegisterBrokerMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis unavailable, dedup cache and fast rate-limit store disabled", "error", err)
	} else {
		a.redisClient = rdb
	}

	if a.Config.Flows.Enabled {
		mongoClient, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return fmt.Errorf("flows are enabled but MongoDB is unavailable: %w", err)
		}
		a.mongoClient = mongoClient
	}
	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	initCtx := logging.WithServiceName(ctx, constants.ServiceProcessor)

	accounts := store.NewPostgresAccountStore(a.db)
	events := store.NewPostgresWebhookEventStore(a.db)
	messages := store.NewPostgresMessageStore(a.db)
	templates := store.NewPostgresTemplateStore(a.db)

	limiter := ratelimit.NewFromConfig(a.Config.RateLimit, a.Config.CircuitBreaker, a.redisClient, a.db, a.Logger)
	registry := builtin.NewRegistry(channel.Dependencies{
		Config:    a.Config.Channels,
		RateLimit: a.Config.RateLimit,
		Limiter:   limiter,
		Breaker:   a.Config.CircuitBreaker,
		Logger:    a.Logger,
	})

	var cache threading.Cache
	if a.redisClient != nil {
		cache = threading.NewRedisCache(a.redisClient)
		if a.Config.CircuitBreaker.Enabled {
			cache = threading.NewBreakerCache(cache, a.Config.CircuitBreaker)
		}
	}
	dedup := threading.NewDeduplicator(cache, messages, threading.DedupConfig{
		TTL:          time.Duration(a.Config.Threading.DedupTTLSeconds) * time.Second,
		Prefix:       a.Config.Threading.DedupPrefix,
		OnCacheError: a.Config.Threading.OnRedisError,
	}, a.Logger)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	engine := rules.NewEngine(rules.NewMatcher(evaluator, a.Logger), templates, nil, a.Logger)
	a.rules = rules.NewService(rules.NewRepository(a.db), engine, a.Config.Rules, a.Logger)
	if err := a.rules.ReloadRules(ctx, true); err != nil {
		a.Logger.WarnwCtx(initCtx, "Failed to load initial rules", "error", err)
	}

	deps := pipeline.Dependencies{
		Accounts: accounts,
		Registry: registry,
		Parsers:  builtin.Parsers(),
		Events:   events,
		Messages: messages,
		Threader: threading.NewThreader(messages, a.Logger),
		Dedup:    dedup,
		Rules:    a.rules,
		Logger:   a.Logger,
	}

	if a.mongoClient != nil {
		mongoDB, err := a.dbConnector.FlowDatabase(ctx, a.mongoClient)
		if err != nil {
			return err
		}
		a.flows = flows.NewEngine(flows.NewMongoStore(mongoDB),
			pipeline.NewProfileSource(accounts, registry), a.Config.Flows, a.Logger)
		if err := a.flows.Reload(ctx); err != nil {
			a.Logger.WarnwCtx(initCtx, "Failed to load initial flows", "error", err)
		}
		deps.Flows = a.flows
	}

	a.processor = pipeline.NewProcessor(deps)

	enqueuer := webhook.NewEnqueuer(a.Producer, a.Config.Broker.Topics.WebhookEvents, a.Config.Webhook.EnqueueTimeout)
	a.sweeper = webhook.NewSweeper(events, enqueuer,
		a.Config.Webhook.RetrySweepInterval, a.Config.Webhook.RetrySweepBatch, a.Config.Webhook.MaxRetries, a.Logger)
	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.Optional(health.NewRedisChecker(a.redisClient)))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}

	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker, a.redisClient))
	mux.Handle("/health", healthRegistry)

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: mux,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	topics := a.Config.Broker.Topics

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	configConsumer, err := broker.NewConsumer(a.Config.Broker, a.redisClient, a.Logger)
	if err != nil {
		configCtx := logging.WithServiceName(ctx, constants.ServiceProcessor)
		a.Logger.WarnwCtx(configCtx, "Failed to create config event consumer, event-driven reload disabled",
			"error", err,
		)
	} else {
		configConsumer.SetServiceName(constants.ServiceProcessor)
		defer configConsumer.Close()

		configEventHandler := config_handler.NewHandler(a.Logger).
			WithReloader(models.EventTypeRuleUpdated, a.rules)
		if a.flows != nil {
			configEventHandler.WithReloader(models.EventTypeFlowUpdated, a.flows)
		}

		g.Go(func() error {
			configCtx := logging.WithServiceName(gCtx, constants.ServiceProcessor)
			a.Logger.InfowCtx(configCtx, "Starting config update event consumer", "topic", topics.ConfigUpdates)
			return configConsumer.Consume(gCtx, topics.ConfigUpdates, configEventHandler.HandleConfigUpdateEvent)
		})
	}

	g.Go(func() error {
		return a.rules.StartReloader(gCtx)
	})
	if a.flows != nil {
		g.Go(func() error {
			return a.flows.StartReloader(gCtx)
		})
	}

	g.Go(func() error {
		return a.sweeper.Run(gCtx)
	})

	g.Go(func() error {
		return a.Consumer.Consume(gCtx, topics.WebhookEvents, a.processor.HandleWebhookEvent)
	})
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, topics.InboundMessages, a.processor.HandleInboundMessage)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)
	})
}
