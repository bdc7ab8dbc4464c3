package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

func testEnvelope(t *testing.T) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder(models.KindWebhookEvent).
		WithSource("gateway-service").
		WithAccount(models.ChannelWhatsApp, "acc-1").
		WithPayload(models.WebhookEventPayload{EventID: "evt-1"}).
		Build()
	require.NoError(t, err)
	return env
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	d := &dispatcher{retry: fastRetry(), logger: logger.NopLogger(), serviceName: "test"}

	var calls int32
	d.handle(context.Background(), testEnvelope(t), func(ctx context.Context, env *models.Envelope) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, "webhook_events")

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherSendsFatalErrorsToDLQWithoutRetry(t *testing.T) {
	dlq := NewMemoryProducer()
	d := &dispatcher{retry: fastRetry(), logger: logger.NopLogger(), dlqProducer: dlq, dlqTopic: "dlq", serviceName: "test"}

	var calls int32
	d.handle(context.Background(), testEnvelope(t), func(ctx context.Context, env *models.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return apperrors.ErrValidation.WithMessage("bad payload")
	}, "webhook_events")

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	published := dlq.Published("dlq")
	require.Len(t, published, 1)
	assert.Equal(t, "webhook_events", published[0].Metadata.DLQSourceTopic)
	assert.Contains(t, published[0].Metadata.DLQReason, "bad payload")
	assert.Equal(t, 1, published[0].Metadata.Attempt)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	dlq := NewMemoryProducer()
	d := &dispatcher{retry: fastRetry(), logger: logger.NopLogger(), dlqProducer: dlq, dlqTopic: "dlq", serviceName: "test"}

	assert.NotPanics(t, func() {
		d.handle(context.Background(), testEnvelope(t), func(ctx context.Context, env *models.Envelope) error {
			panic("handler exploded")
		}, "inbound_messages")
	})
	assert.Len(t, dlq.Published("dlq"), 1)
}

func TestRedisStreamRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.BrokerConfig{
		Type:         "redis",
		RedisStreams: config.RedisStreamsConfig{Group: "switchboard", Consumer: "c1", BlockTimeout: 20 * time.Millisecond},
		Retry:        fastRetry(),
	}

	producer, err := NewProducer(cfg, rdb, logger.NopLogger())
	require.NoError(t, err)
	consumer, err := NewConsumer(cfg, rdb, logger.NopLogger())
	require.NoError(t, err)

	sent := testEnvelope(t)
	require.NoError(t, producer.Publish(context.Background(), "webhook_events", sent))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *models.Envelope, 1)
	go func() {
		_ = consumer.Consume(ctx, "webhook_events", func(ctx context.Context, env *models.Envelope) error {
			received <- env
			return nil
		})
	}()

	select {
	case env := <-received:
		assert.Equal(t, sent.ID, env.ID)
		assert.Equal(t, "acc-1", env.Metadata.AccountID)
	case <-ctx.Done():
		t.Fatal("envelope was not consumed")
	}
	cancel()
	require.NoError(t, consumer.Close())
}

func TestFactoryRejectsUnknownBroker(t *testing.T) {
	_, err := NewProducer(config.BrokerConfig{Type: "rabbitmq"}, nil, logger.NopLogger())
	assert.Error(t, err)

	_, err = NewConsumer(config.BrokerConfig{Type: "redis"}, nil, logger.NopLogger())
	assert.Error(t, err)
}
