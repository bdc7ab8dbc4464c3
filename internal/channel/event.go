package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"switchboard/pkg/models"
)

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventStatus   EventKind = "status"
	EventPostback EventKind = "postback"
	EventOptin    EventKind = "optin"
	EventReferral EventKind = "referral"
	EventHandover EventKind = "handover"
	EventDelivery EventKind = "delivery"
	EventRead     EventKind = "read"
	EventAlert    EventKind = "alert"
	EventUnknown  EventKind = "unknown"
)

type HandoverAction string

const (
	HandoverPass    HandoverAction = "pass_thread_control"
	HandoverTake    HandoverAction = "take_thread_control"
	HandoverRequest HandoverAction = "request_thread_control"
)

type StatusUpdate struct {
	ExternalID   string
	Status       models.MessageStatus
	At           time.Time
	ErrorCode    string
	ErrorMessage string
}

type Handover struct {
	Action   HandoverAction
	AppID    string
	Metadata string
}

// Event is one item extracted from a push notification body.
type Event struct {
	Kind       EventKind
	SenderID   string
	Timestamp  time.Time
	Message    *models.CanonicalMessage
	Status     *StatusUpdate
	Payload    string
	Title      string
	Handover   *Handover
	MessageIDs []string
	Watermark  time.Time
	Raw        map[string]interface{}
}

// EventKey carries what the webhook gate needs to derive an event id.
type EventKey struct {
	ProviderID string
	EventType  string
	SenderID   string
	Timestamp  string
}

// ID returns the provider id, or sha256(sender|timestamp|payload) when the
// provider did not supply one.
func (k EventKey) ID(body []byte) string {
	if k.ProviderID != "" {
		return k.ProviderID
	}
	h := sha256.New()
	h.Write([]byte(k.SenderID))
	h.Write([]byte("|"))
	h.Write([]byte(k.Timestamp))
	h.Write([]byte("|"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// WebhookParser understands one provider's push payloads.
type WebhookParser interface {
	Identify(body []byte) (EventKey, error)
	Parse(accountID string, body []byte) ([]Event, error)
}

// UnixTime parses provider timestamps given in seconds or milliseconds.
func UnixTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// ParseUnixString is UnixTime for decimal strings; invalid input yields the zero time.
func ParseUnixString(s string) time.Time {
	s = strings.TrimSpace(s)
	var v int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}
		}
		v = v*10 + int64(r-'0')
	}
	return UnixTime(v)
}
