package management

import (
	"context"
	"fmt"
	"time"

	"switchboard/internal/broker"
	"switchboard/internal/constants"
	"switchboard/pkg/models"
)

// ConfigEventProducer tells processors to reload rules or flows.
type ConfigEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewConfigEventProducer(producer broker.Producer, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *ConfigEventProducer) PublishRuleEvent(ctx context.Context, action string, rule *models.Rule, changedBy string) error {
	return p.publishEvent(ctx, models.ConfigUpdateEvent{
		EventType: models.EventTypeRuleUpdated,
		AccountID: rule.AccountID,
		ObjectID:  rule.ID,
		Action:    action,
		Timestamp: time.Now().UTC(),
		ChangedBy: changedBy,
	})
}

func (p *ConfigEventProducer) PublishFlowEvent(ctx context.Context, action string, flow *models.ConversationFlow, changedBy string) error {
	return p.publishEvent(ctx, models.ConfigUpdateEvent{
		EventType: models.EventTypeFlowUpdated,
		AccountID: flow.AccountID,
		ObjectID:  flow.ID,
		Action:    action,
		Timestamp: time.Now().UTC(),
		ChangedBy: changedBy,
		Metadata:  map[string]interface{}{"trigger_type": string(flow.TriggerType)},
	})
}

func (p *ConfigEventProducer) publishEvent(ctx context.Context, event models.ConfigUpdateEvent) error {
	if p == nil || p.producer == nil || p.topic == "" {
		return nil
	}

	envelope, err := models.NewEnvelopeBuilder(models.KindConfigUpdate).
		WithSource(constants.ServiceGateway).
		WithAccount("", event.AccountID).
		WithPayload(event).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build config event: %w", err)
	}

	return p.producer.Publish(ctx, p.topic, envelope)
}
