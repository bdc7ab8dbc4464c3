package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/broker"
	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/logging"
	"switchboard/pkg/tracing"
)

// Base holds what every service owns regardless of role: config, logger,
// the broker pair and the tracer provider.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
	Tracer   *tracing.TracerProvider

	serviceName string
}

func NewBase(serviceName string, cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:      cfg,
		Logger:      log,
		serviceName: serviceName,
	}
}

func (b *Base) ServiceName() string {
	return b.serviceName
}

// InitBroker builds the producer and consumer. rdb may be nil unless the
// broker type is "redis".
func (b *Base) InitBroker(rdb *redis.Client) error {
	producer, err := broker.NewProducer(b.Config.Broker, rdb, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create %s producer: %w", b.Config.Broker.Type, err)
	}

	consumer, err := broker.NewConsumer(b.Config.Broker, rdb, b.Logger)
	if err != nil {
		producer.Close()
		return fmt.Errorf("failed to create %s consumer: %w", b.Config.Broker.Type, err)
	}
	consumer.SetServiceName(b.serviceName)

	b.Producer = producer
	b.Consumer = consumer
	return nil
}

// InitProducer is for services that publish but never consume.
func (b *Base) InitProducer(rdb *redis.Client) error {
	producer, err := broker.NewProducer(b.Config.Broker, rdb, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create %s producer: %w", b.Config.Broker.Type, err)
	}
	b.Producer = producer
	return nil
}

func (b *Base) InitTracing() error {
	tp, err := tracing.Init(b.Config.Tracing, b.serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.Tracer = tp
	return nil
}

// Shutdown closes the consumer before the producer so in-flight handlers can
// still publish, then runs the service's own closers and flushes spans last.
func (b *Base) Shutdown(ctx context.Context, closers ...func(ctx context.Context) []error) error {
	ctx = logging.WithServiceName(ctx, b.serviceName)
	b.Logger.InfowCtx(ctx, "Shutting down")

	var errs []error
	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close: %w", err))
		}
	}
	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close: %w", err))
		}
	}
	for _, closeFn := range closers {
		errs = append(errs, closeFn(ctx)...)
	}
	if b.Tracer != nil {
		if err := b.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	b.Logger.InfowCtx(ctx, "Shutdown complete")
	return nil
}
