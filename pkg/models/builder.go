package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EnvelopeBuilder struct {
	envelope *Envelope
	err      error
}

func NewEnvelopeBuilder(kind EnvelopeKind) *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{
			Kind:     kind,
			Metadata: Metadata{},
		},
	}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithSource(source string) *EnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *EnvelopeBuilder) WithTimestamp(timestamp time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

// WithPayload marshals v as the envelope body. Marshal errors surface from Build.
func (b *EnvelopeBuilder) WithPayload(v interface{}) *EnvelopeBuilder {
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to marshal envelope payload: %w", err)
		return b
	}
	b.envelope.Payload = raw
	return b
}

func (b *EnvelopeBuilder) WithAccount(channel ChannelType, accountID string) *EnvelopeBuilder {
	b.envelope.Metadata.Channel = string(channel)
	b.envelope.Metadata.AccountID = accountID
	return b
}

func (b *EnvelopeBuilder) WithTraceID(traceID string) *EnvelopeBuilder {
	b.envelope.Metadata.TraceID = traceID
	return b
}

func (b *EnvelopeBuilder) Build() (*Envelope, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now().UTC()
	}
	if err := ValidateEnvelope(b.envelope); err != nil {
		return nil, err
	}
	return b.envelope, nil
}
