package models

import "time"

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingProcessed  ProcessingStatus = "processed"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingIgnored    ProcessingStatus = "ignored"
)

func (s ProcessingStatus) IsTerminal() bool {
	return s == ProcessingProcessed || s == ProcessingFailed || s == ProcessingIgnored
}

// WebhookEvent is a signature-verified push notification recorded before processing.
type WebhookEvent struct {
	EventID          string           `json:"event_id"`
	ChannelAccountID string           `json:"channel_account_id"`
	Channel          ChannelType      `json:"channel"`
	EventType        string           `json:"event_type"`
	RawPayload       []byte           `json:"raw_payload"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RetryCount       int              `json:"retry_count"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
