package broker

import (
	"context"

	"switchboard/pkg/models"
)

// HandlerFunc processes one envelope. A non-nil error is retried under the
// broker retry policy and then dead-lettered; fatal errors skip the retries.
type HandlerFunc func(ctx context.Context, env *models.Envelope) error

// Producer publishes envelopes. Kafka keys them by account id; Redis Streams
// appends them to the stream named after the topic.
type Producer interface {
	Publish(ctx context.Context, topic string, env *models.Envelope) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is cancelled. Call it once per topic.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	// SetServiceName labels metrics and dead letters with the consuming service.
	SetServiceName(name string)
	Close() error
}
