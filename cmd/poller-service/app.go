package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/channel"
	"switchboard/internal/channel/builtin"
	"switchboard/internal/config"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/poller"
	"switchboard/internal/ratelimit"
	"switchboard/internal/store"
	"switchboard/pkg/bootstrap"
	"switchboard/pkg/health"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/retry"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	scheduler      *poller.Scheduler
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) bootstrap.Service {
	return &App{
		Base:        bootstrap.NewBase(constants.ServicePoller, cfg, log),
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

	metrics.RegisterPollerMetrics()
	metrics.RegisterBrokerMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.initScheduler(ctx)
	a.initHTTPServer()
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.Config.Poller.LockBackend != poller.LockBackendMemory || a.Config.Broker.Type == "redis" {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			a.Logger.WarnwCtx(ctx, "Redis unavailable, poll locks are process local", "error", err)
		} else {
			a.redisClient = rdb
		}
	}
	return nil
}

func (a *App) initScheduler(ctx context.Context) {
	accounts := store.NewPostgresAccountStore(a.db)
	registry := builtin.NewRegistry(channel.Dependencies{
		Config:    a.Config.Channels,
		RateLimit: a.Config.RateLimit,
		Limiter:   ratelimit.NewFromConfig(a.Config.RateLimit, a.Config.CircuitBreaker, a.redisClient, a.db, a.Logger),
		Breaker:   a.Config.CircuitBreaker,
		Logger:    a.Logger,
	})

	var locker poller.Locker
	if a.redisClient != nil {
		locker = poller.NewLocker(a.Config.Poller.LockBackend, a.redisClient)
	} else {
		locker = poller.NewMemoryLocker()
	}

	sink := poller.NewBrokerSink(a.Producer, a.Config.Broker.Topics.InboundMessages)
	orchestrator := poller.NewOrchestrator(accounts, registry, sink, locker, a.Config.Poller, a.Logger)

	retryCfg := a.Config.Broker.Retry
	policy := retry.Policy{
		MaxAttempts:     retryCfg.MaxAttempts,
		InitialInterval: retryCfg.InitialInterval,
		MaxInterval:     retryCfg.MaxInterval,
		Multiplier:      retryCfg.Multiplier,
		MaxElapsedTime:  retryCfg.MaxElapsedTime,
	}
	if policy.InitialInterval <= 0 {
		policy = retry.DefaultPolicy()
	}

	protocols := registry.InboundProtocols()
	a.Logger.InfowCtx(logging.WithServiceName(ctx, constants.ServicePoller), "Polling protocols", "protocols", protocols)
	a.scheduler = poller.NewScheduler(accounts, orchestrator, protocols, a.Config.Poller, policy, a.Logger)
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.Optional(health.NewRedisChecker(a.redisClient)))
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

	g.Go(func() error {
		return a.scheduler.Run(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, nil)
	})
}
