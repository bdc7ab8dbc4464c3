package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/tracing"
)

const envelopeField = "envelope"

// RedisStreamProducer appends envelopes to a Redis stream named after the topic.
type RedisStreamProducer struct {
	client *redis.Client
	maxLen int64
	logger logger.Logger
}

func NewRedisStreamProducer(client *redis.Client, cfg config.RedisStreamsConfig, log logger.Logger) *RedisStreamProducer {
	return &RedisStreamProducer{client: client, maxLen: cfg.MaxLen, logger: log}
}

func (p *RedisStreamProducer) Publish(ctx context.Context, topic string, env *models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	fields := tracing.StreamFields{
		envelopeField: string(body),
		"kind":        string(env.Kind),
	}
	tracing.Inject(ctx, fields)

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any(fields),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", topic, err)
	}
	metrics.IncBrokerMessagesWritten(env.Source, topic)
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (p *RedisStreamProducer) Close() error {
	return nil
}

type RedisStreamConsumer struct {
	client     *redis.Client
	cfg        config.RedisStreamsConfig
	logger     logger.Logger
	dispatcher *dispatcher
	wg         sync.WaitGroup
}

func NewRedisStreamConsumer(client *redis.Client, cfg config.BrokerConfig, log logger.Logger) *RedisStreamConsumer {
	streams := cfg.RedisStreams
	if streams.Consumer == "" {
		streams.Consumer = "consumer-" + uuid.New().String()[:8]
	}
	if streams.BlockTimeout <= 0 {
		streams.BlockTimeout = 5 * time.Second
	}

	d := &dispatcher{
		retry:       cfg.Retry,
		logger:      log,
		dlqTopic:    cfg.Topics.DLQ,
		serviceName: "unknown",
	}
	if cfg.Topics.DLQ != "" {
		d.dlqProducer = NewRedisStreamProducer(client, streams, log)
	}

	return &RedisStreamConsumer{
		client:     client,
		cfg:        streams,
		logger:     log,
		dispatcher: d,
	}
}

func (c *RedisStreamConsumer) SetServiceName(name string) {
	c.dispatcher.serviceName = name
}

func (c *RedisStreamConsumer) ensureGroup(ctx context.Context, stream string) error {
	// Start from "0" so messages added before the group existed are not lost.
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisStreamConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	if err := c.ensureGroup(ctx, topic); err != nil {
		return err
	}

	c.wg.Add(1)
	defer c.wg.Done()

	c.logger.InfowCtx(ctx, "Started consuming",
		"stream", topic,
		"group", c.cfg.Group,
		"consumer", c.cfg.Consumer,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorwCtx(ctx, "Error reading from stream",
				"error", err,
				"stream", topic,
			)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, topic, msg, handler)
			}
		}
	}
}

func (c *RedisStreamConsumer) handleMessage(ctx context.Context, topic string, msg redis.XMessage, handler HandlerFunc) {
	defer func() {
		if err := c.client.XAck(ctx, topic, c.cfg.Group, msg.ID).Err(); err != nil {
			c.logger.ErrorwCtx(ctx, "Failed to ack stream message",
				"error", err,
				"stream", topic,
				"stream_message_id", msg.ID,
			)
		}
	}()

	raw, ok := msg.Values[envelopeField]
	if !ok {
		c.logger.ErrorwCtx(ctx, "Stream message has no envelope",
			"stream", topic,
			"stream_message_id", msg.ID,
		)
		return
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &env); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to unmarshal envelope",
			"error", err,
			"stream", topic,
		)
		return
	}

	msgCtx, span := tracing.StartConsumeSpan(ctx, "redis", topic, tracing.StreamFields(msg.Values))
	defer span.End()

	msgCtx = enrichContext(msgCtx, &env, c.dispatcher.serviceName)
	c.dispatcher.handle(msgCtx, &env, handler, topic)
}

func (c *RedisStreamConsumer) Close() error {
	c.wg.Wait()
	return nil
}
