package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"switchboard/internal/config"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

// Publish keys messages by account so one account's events stay ordered within a partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, env *models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := &tracing.KafkaHeaders{}
	tracing.Inject(ctx, headers)

	key := env.Metadata.AccountID
	if key == "" {
		key = env.ID
	}

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   body,
			Headers: headers.Headers,
			Time:    time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.IncBrokerMessagesWritten(env.Source, topic)

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg        config.BrokerConfig
	wg         sync.WaitGroup
	mu         sync.Mutex
	readers    []*kafka.Reader
	logger     logger.Logger
	dispatcher *dispatcher
}

func NewKafkaConsumer(cfg config.BrokerConfig, log logger.Logger) *KafkaConsumer {
	d := &dispatcher{
		retry:       cfg.Retry,
		logger:      log,
		dlqTopic:    cfg.Topics.DLQ,
		serviceName: "unknown",
	}
	if cfg.Topics.DLQ != "" {
		d.dlqProducer = NewKafkaProducer(cfg.Kafka, log)
	}

	return &KafkaConsumer{
		cfg:        cfg,
		logger:     log,
		dispatcher: d,
	}
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.dispatcher.serviceName = name
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	serviceName := c.dispatcher.serviceName
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Kafka.Brokers,
		"group_id", c.cfg.Kafka.GroupID,
		"service_name", serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Kafka.Brokers,
		GroupID:  c.cfg.Kafka.GroupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			c.handleMessage(ctx, reader, m, handler, topic)
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message, handler HandlerFunc, topic string) {
	serviceName := c.dispatcher.serviceName

	var env models.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to unmarshal envelope",
			"error", err,
			"topic", topic,
			"service_name", serviceName,
		)
		_ = reader.CommitMessages(ctx, m)
		return
	}

	msgCtx, span := tracing.StartConsumeSpan(ctx, "kafka", topic, &tracing.KafkaHeaders{Headers: m.Headers})
	defer span.End()

	msgCtx = enrichContext(msgCtx, &env, serviceName)

	c.dispatcher.handle(msgCtx, &env, handler, topic)

	if err := reader.CommitMessages(ctx, m); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
			"error", err,
			"topic", topic,
		)
	}
}

func enrichContext(ctx context.Context, env *models.Envelope, serviceName string) context.Context {
	if env.Metadata.TraceID != "" {
		ctx = logging.WithTraceID(ctx, env.Metadata.TraceID)
	}
	if env.Metadata.AccountID != "" {
		ctx = logging.WithAccountID(ctx, env.Metadata.AccountID)
	}
	if env.Metadata.Channel != "" {
		ctx = logging.WithChannel(ctx, env.Metadata.Channel)
	}
	ctx = logging.WithMessageID(ctx, env.ID)
	return logging.WithServiceName(ctx, serviceName)
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	for _, reader := range c.readers {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.readers = nil
	c.mu.Unlock()

	if c.dispatcher.dlqProducer != nil {
		if closeErr := c.dispatcher.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
