package broker

import (
	"context"
	"fmt"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/retry"
)

// dispatcher runs a handler with retry, panic recovery and dead-lettering.
// It is shared by every consumer implementation.
type dispatcher struct {
	retry       config.RetryConfig
	logger      logger.Logger
	dlqProducer Producer
	dlqTopic    string
	serviceName string
}

func (d *dispatcher) policy() retry.Policy {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}

	if d.retry.MaxAttempts > 0 {
		policy.MaxAttempts = d.retry.MaxAttempts
	}
	if d.retry.InitialInterval > 0 {
		policy.InitialInterval = d.retry.InitialInterval
	}
	if d.retry.MaxInterval > 0 {
		policy.MaxInterval = d.retry.MaxInterval
	}
	if d.retry.Multiplier > 0 {
		policy.Multiplier = d.retry.Multiplier
	}
	if d.retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = d.retry.MaxElapsedTime
	}
	return policy
}

func (d *dispatcher) processWithRetry(ctx context.Context, env *models.Envelope, handler HandlerFunc, topic string) error {
	policy := d.policy()

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				d.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		env.Metadata.Attempt++
		return handler(ctx, env)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(d.serviceName, topic).Inc()
		d.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

// handle processes one envelope and dead-letters it when retries are exhausted.
// The source message is always safe to acknowledge afterwards.
func (d *dispatcher) handle(ctx context.Context, env *models.Envelope, handler HandlerFunc, topic string) {
	err := d.processWithRetry(ctx, env, handler, topic)
	if err == nil {
		return
	}

	d.logger.ErrorwCtx(ctx, "Failed to process message after retries",
		"error", err,
		"topic", topic,
		"kind", env.Kind,
	)

	if d.dlqProducer == nil || d.dlqTopic == "" {
		d.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking",
			"topic", topic,
		)
		return
	}

	if dlqErr := d.sendToDLQ(ctx, env, err, topic); dlqErr != nil {
		d.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", dlqErr,
			"topic", topic,
		)
	}
}

func (d *dispatcher) sendToDLQ(ctx context.Context, env *models.Envelope, originalErr error, sourceTopic string) error {
	env.Metadata.DLQReason = originalErr.Error()
	env.Metadata.DLQSourceTopic = sourceTopic
	env.Metadata.DLQAt = time.Now().UTC()

	if err := d.dlqProducer.Publish(ctx, d.dlqTopic, env); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	reason := "max_retries_exceeded"
	if errors.IsFatalError(originalErr) {
		reason = "fatal_error"
	}
	metrics.DLQMessagesTotal.WithLabelValues(d.serviceName, sourceTopic, reason).Inc()
	d.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", d.dlqTopic,
		"reason", originalErr.Error(),
	)

	return nil
}
