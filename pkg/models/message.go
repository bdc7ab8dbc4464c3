package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ChannelType string

const (
	ChannelEmail     ChannelType = "email"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelFacebook  ChannelType = "facebook"
	ChannelInstagram ChannelType = "instagram"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
	StatusBounced   MessageStatus = "bounced"
)

const DefaultPriority = "normal"

var ErrInvalidTransition = errors.New("invalid message status transition")

// outbound lifecycle; inbound messages stay in received
var allowedTransitions = map[MessageStatus][]MessageStatus{
	StatusPending:   {StatusSent, StatusFailed, StatusBounced},
	StatusSent:      {StatusDelivered, StatusFailed, StatusBounced},
	StatusDelivered: {StatusRead},
}

type Attachment struct {
	Filename  string `json:"filename" bson:"filename"`
	MimeType  string `json:"mime_type" bson:"mime_type"`
	SizeBytes int64  `json:"size_bytes" bson:"size_bytes"`
	Content   []byte `json:"content,omitempty" bson:"content,omitempty"`
	Reference string `json:"reference,omitempty" bson:"reference,omitempty"`
}

type Timestamps struct {
	Created   time.Time  `json:"created"`
	Sent      *time.Time `json:"sent,omitempty"`
	Delivered *time.Time `json:"delivered,omitempty"`
	Read      *time.Time `json:"read,omitempty"`
	Failed    *time.Time `json:"failed,omitempty"`
}

// CanonicalMessage is the channel-agnostic unit every adapter produces and consumes.
type CanonicalMessage struct {
	ExternalID           string                 `json:"external_id"`
	InternalID           string                 `json:"internal_id"`
	ThreadID             string                 `json:"thread_id"`
	Direction            Direction              `json:"direction"`
	ChannelType          ChannelType            `json:"channel_type"`
	AccountID            string                 `json:"account_id"`
	SenderIdentifier     string                 `json:"sender_identifier"`
	SenderName           string                 `json:"sender_name,omitempty"`
	RecipientIdentifiers []string               `json:"recipient_identifiers"`
	Subject              string                 `json:"subject,omitempty"`
	ContentText          string                 `json:"content_text"`
	ContentHTML          string                 `json:"content_html,omitempty"`
	Attachments          []Attachment           `json:"attachments,omitempty"`
	InReplyTo            string                 `json:"in_reply_to,omitempty"`
	References           []string               `json:"references,omitempty"`
	QuickReplyPayload    string                 `json:"quick_reply_payload,omitempty"`
	RawHeaders           map[string]string      `json:"raw_headers,omitempty"`
	RawPayload           map[string]interface{} `json:"raw_payload,omitempty"`
	Status               MessageStatus          `json:"status"`
	Priority             string                 `json:"priority"`
	Timestamps           Timestamps             `json:"timestamps"`
	ErrorCode            string                 `json:"error_code,omitempty"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
}

// NewInboundMessage returns a received message with a fresh internal id.
func NewInboundMessage(channel ChannelType, accountID string, createdAt time.Time) *CanonicalMessage {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &CanonicalMessage{
		InternalID:  uuid.New().String(),
		Direction:   DirectionInbound,
		ChannelType: channel,
		AccountID:   accountID,
		Status:      StatusReceived,
		Priority:    DefaultPriority,
		Timestamps:  Timestamps{Created: createdAt},
	}
}

// NewOutboundMessage returns a pending message with a fresh internal id.
func NewOutboundMessage(channel ChannelType, accountID string) *CanonicalMessage {
	return &CanonicalMessage{
		InternalID:  uuid.New().String(),
		Direction:   DirectionOutbound,
		ChannelType: channel,
		AccountID:   accountID,
		Status:      StatusPending,
		Priority:    DefaultPriority,
		Timestamps:  Timestamps{Created: time.Now().UTC()},
	}
}

func (m *CanonicalMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// ReferencedIDs returns In-Reply-To followed by References, de-duplicated, in order.
func (m *CanonicalMessage) ReferencedIDs() []string {
	seen := make(map[string]struct{}, len(m.References)+1)
	ids := make([]string, 0, len(m.References)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(m.InReplyTo)
	for _, ref := range m.References {
		add(ref)
	}
	return ids
}

// SetExternalID backfills the provider id. An id that is already set is never replaced.
func (m *CanonicalMessage) SetExternalID(id string) bool {
	if m.ExternalID != "" || id == "" {
		return false
	}
	m.ExternalID = id
	return true
}

func CanTransition(from, to MessageStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the message along its lifecycle and stamps the matching timestamp.
func (m *CanonicalMessage) TransitionTo(status MessageStatus, at time.Time) error {
	if m.Status == status {
		return nil
	}
	if !CanTransition(m.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch status {
	case StatusSent:
		m.Timestamps.Sent = &at
	case StatusDelivered:
		m.Timestamps.Delivered = &at
	case StatusRead:
		m.Timestamps.Read = &at
	case StatusFailed, StatusBounced:
		m.Timestamps.Failed = &at
	}
	m.Status = status
	return nil
}

// MarkFailed transitions to failed and records the provider error.
func (m *CanonicalMessage) MarkFailed(code, message string, at time.Time) error {
	if err := m.TransitionTo(StatusFailed, at); err != nil {
		return err
	}
	m.ErrorCode = code
	m.ErrorMessage = message
	return nil
}

// SenderDomain returns the part after the last "@" of the sender, lowercased.
func (m *CanonicalMessage) SenderDomain() string {
	idx := strings.LastIndex(m.SenderIdentifier, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(m.SenderIdentifier[idx+1:], ">")))
}

// MarkBounced transitions to bounced and records the recipient server's reply.
func (m *CanonicalMessage) MarkBounced(code, reason string, at time.Time) error {
	if err := m.TransitionTo(StatusBounced, at); err != nil {
		return err
	}
	m.ErrorCode = code
	m.ErrorMessage = reason
	return nil
}
