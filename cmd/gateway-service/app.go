package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/channel/builtin"
	"switchboard/internal/config"
	"switchboard/internal/constants"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/management"
	"switchboard/internal/rules"
	"switchboard/internal/store"
	"switchboard/internal/webhook"
	"switchboard/pkg/bootstrap"
	"switchboard/pkg/health"
	"switchboard/pkg/metrics"
	"switchboard/pkg/middleware"
	"switchboard/pkg/ratelimit"
	"switchboard/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	router         *gin.Engine
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) bootstrap.Service {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceGateway, cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.InitProducer(a.redisClient); err != nil {
		return err
	}
	if err := a.InitTracing(); err != nil {
		return err
	}

	metrics.RegisterGatewayMetrics()
	metrics.RegisterManagementMetrics()
	metrics.RegisterBrokerMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.Config.Broker.Type == "redis" {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return fmt.Errorf("redis broker is configured but Redis is unavailable: %w", err)
		}
		a.redisClient = rdb
	}

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "MongoDB connection failed, flows are kept in memory", "error", err)
		return nil
	}
	a.mongoClient = mongoClient
	return nil
}

func (a *App) flowStore(ctx context.Context) flows.FlowStore {
	if a.mongoClient == nil {
		a.Logger.WarnwCtx(ctx, "No MongoDB configured, flows are kept in memory")
		return flows.NewMemoryStore()
	}
	mongoDB, err := a.dbConnector.FlowDatabase(ctx, a.mongoClient)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Failed to ensure flow indexes", "error", err)
	}
	return flows.NewMongoStore(mongoDB)
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceGateway))
	}
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RecoveryMiddleware(a.Logger))

	accounts := store.NewPostgresAccountStore(a.db)
	events := store.NewPostgresWebhookEventStore(a.db)
	enqueuer := webhook.NewEnqueuer(a.Producer, a.Config.Broker.Topics.WebhookEvents, a.Config.Webhook.EnqueueTimeout)
	gate := webhook.NewGate(accounts, events, enqueuer, builtin.Parsers(), a.Logger)

	var webhookMiddlewares []gin.HandlerFunc
	if limits := a.Config.IngressRateLimit; limits.Enabled {
		webhookMiddlewares = append(webhookMiddlewares, ratelimit.RateLimitMiddleware(ctx, ratelimit.RateLimitConfig{
			RPS:             limits.RPS,
			Burst:           limits.Burst,
			CleanupInterval: time.Duration(limits.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(limits.MaxAge) * time.Second,
			KeyFunc:         ratelimit.WebhookKey,
		}))
		a.Logger.InfowCtx(ctx, "Webhook rate limiting enabled", "rps", limits.RPS, "burst", limits.Burst)
	}
	webhook.NewHandler(gate, a.Config.Webhook.MaxBodyBytes, a.Logger).RegisterRoutes(router, webhookMiddlewares...)

	svc := management.NewService(
		rules.NewRepository(a.db),
		a.flowStore(ctx),
		management.WithVersioning(management.NewVersioningRepository(a.db)),
		management.WithConfigEvents(management.NewConfigEventProducer(a.Producer, a.Config.Broker.Topics.ConfigUpdates)),
		management.WithLogger(a.Logger),
	)
	management.NewHandler(svc, a.Logger).RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.mongoClient != nil {
		healthRegistry.Register(health.Optional(health.NewMongoDBChecker(a.mongoClient)))
	}
	healthRegistry.Register(health.NewBrokerChecker(a.Config.Broker, a.redisClient))
	router.GET("/health", health.Handler(healthRegistry))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

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

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)
	})
}
