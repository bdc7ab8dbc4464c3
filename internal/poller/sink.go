package poller

import (
	"context"
	"fmt"

	"switchboard/internal/broker"
	"switchboard/internal/channel"
	"switchboard/internal/constants"
	"switchboard/pkg/models"
)

// BrokerSink hands each polled message to the processor through the
// inbound message topic.
type BrokerSink struct {
	producer broker.Producer
	topic    string
}

func NewBrokerSink(producer broker.Producer, topic string) *BrokerSink {
	return &BrokerSink{producer: producer, topic: topic}
}

func (s *BrokerSink) Accept(ctx context.Context, msg *models.CanonicalMessage) error {
	env, err := models.NewEnvelopeBuilder(models.KindInboundMessage).
		WithSource(constants.ServicePoller).
		WithAccount(msg.ChannelType, msg.AccountID).
		WithPayload(models.InboundMessagePayload{Message: *msg}).
		Build()
	if err != nil {
		return fmt.Errorf("build inbound envelope: %w", err)
	}
	return s.producer.Publish(ctx, s.topic, env)
}

var _ channel.MessageSink = (*BrokerSink)(nil)
