package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "envelope cannot be nil",
		}
	}

	if env.ID == "" {
		return &ValidationError{
			Field:   "id",
			Message: "envelope ID is required",
		}
	}

	switch env.Kind {
	case KindWebhookEvent, KindInboundMessage, KindConfigUpdate:
	default:
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown envelope kind: %q", env.Kind),
		}
	}

	if env.Source == "" {
		return &ValidationError{
			Field:   "source",
			Message: "envelope source is required",
		}
	}

	if env.Timestamp.IsZero() {
		return &ValidationError{
			Field:   "timestamp",
			Message: "envelope timestamp is required",
		}
	}

	if len(env.Payload) == 0 {
		return &ValidationError{
			Field:   "payload",
			Message: "envelope payload cannot be empty",
		}
	}

	return nil
}

func ValidateMessage(msg *CanonicalMessage) error {
	if msg == nil {
		return &ValidationError{Field: "message", Message: "message cannot be nil"}
	}
	if msg.InternalID == "" {
		return &ValidationError{Field: "internal_id", Message: "internal ID is required"}
	}
	if msg.AccountID == "" {
		return &ValidationError{Field: "account_id", Message: "account ID is required"}
	}
	switch msg.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return &ValidationError{Field: "direction", Message: fmt.Sprintf("invalid direction: %q", msg.Direction)}
	}
	switch msg.ChannelType {
	case ChannelEmail, ChannelWhatsApp, ChannelFacebook, ChannelInstagram:
	default:
		return &ValidationError{Field: "channel_type", Message: fmt.Sprintf("invalid channel type: %q", msg.ChannelType)}
	}
	if msg.Direction == DirectionInbound && msg.SenderIdentifier == "" {
		return &ValidationError{Field: "sender_identifier", Message: "inbound messages require a sender"}
	}
	return nil
}
