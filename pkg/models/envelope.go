package models

import (
	"encoding/json"
	"time"
)

type EnvelopeKind string

const (
	KindWebhookEvent   EnvelopeKind = "webhook_event"
	KindInboundMessage EnvelopeKind = "inbound_message"
	KindConfigUpdate   EnvelopeKind = "config_update"
)

type Envelope struct {
	ID        string          `json:"id"`
	Kind      EnvelopeKind    `json:"kind"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`  // Kind-specific body
	Metadata  Metadata        `json:"metadata"` // Pipeline metadata (trace_id, routing, dlq)
}

type Metadata struct {
	TraceID        string    `json:"trace_id,omitempty"`
	AccountID      string    `json:"account_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	DLQReason      string    `json:"dlq_reason,omitempty"`
	DLQSourceTopic string    `json:"dlq_source_topic,omitempty"`
	DLQAt          time.Time `json:"dlq_at,omitempty"`
}

// DecodePayload unmarshals the envelope body into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// InboundMessagePayload is the body of KindInboundMessage envelopes.
type InboundMessagePayload struct {
	Message CanonicalMessage `json:"message"`
}

// WebhookEventPayload is the body of KindWebhookEvent envelopes. The raw
// provider body stays opaque until the processor decodes it.
type WebhookEventPayload struct {
	EventID   string          `json:"event_id"`
	Channel   ChannelType     `json:"channel"`
	AccountID string          `json:"account_id"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}
