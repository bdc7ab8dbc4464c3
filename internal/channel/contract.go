// Package channel defines the adapter contract every transport implements and
// the static registry that resolves a protocol to its adapter constructors.
package channel

import (
	"context"

	"switchboard/pkg/models"
)

type PollStatus string

const (
	PollSuccess PollStatus = "success"
	PollPartial PollStatus = "partial"
	PollFailed  PollStatus = "failed"
)

type PollResult struct {
	MessagesFound     int        `json:"messages_found"`
	MessagesProcessed int        `json:"messages_processed"`
	MessagesFailed    int        `json:"messages_failed"`
	Status            PollStatus `json:"status"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// Finalize derives Status from the counters.
func (r *PollResult) Finalize() {
	switch {
	case r.MessagesFailed == 0:
		r.Status = PollSuccess
	case r.MessagesProcessed > 0:
		r.Status = PollPartial
	default:
		r.Status = PollFailed
	}
}

// MessageSink receives polled messages one at a time. Returning an error
// counts the message as failed; the poll continues with the next one.
type MessageSink interface {
	Accept(ctx context.Context, msg *models.CanonicalMessage) error
}

type SinkFunc func(ctx context.Context, msg *models.CanonicalMessage) error

func (f SinkFunc) Accept(ctx context.Context, msg *models.CanonicalMessage) error {
	return f(ctx, msg)
}

type InboundAdapter interface {
	Poll(ctx context.Context, sink MessageSink) (PollResult, error)
	ValidateCredentials(ctx context.Context) (bool, error)
}

type SendRequest struct {
	Recipients  []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []models.Attachment
	// Options carries channel specific settings such as in_reply_to,
	// references, quick_replies or template.
	Options map[string]interface{}
}

func (r SendRequest) HasBody() bool {
	return r.TextBody != "" || r.HTMLBody != ""
}

func (r SendRequest) Option(key string) (interface{}, bool) {
	v, ok := r.Options[key]
	return v, ok
}

func (r SendRequest) StringOption(key string) string {
	if v, ok := r.Options[key].(string); ok {
		return v
	}
	return ""
}

type OutboundAdapter interface {
	Send(ctx context.Context, req SendRequest) (*models.CanonicalMessage, error)
}
