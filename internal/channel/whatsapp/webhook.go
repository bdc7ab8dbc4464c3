package whatsapp

import (
	"encoding/json"
	"fmt"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const (
	EventTypeMessages      = "messages"
	EventTypeMessageStatus = "message_status"
	EventTypeAccountAlerts = "account_alerts"
	EventTypeUnknown       = "unknown"
)

type notification struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages      []json.RawMessage        `json:"messages"`
	Statuses      []status                 `json:"statuses"`
	AccountAlerts []map[string]interface{} `json:"account_alerts"`
}

type status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Context *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context"`
	Image    *media `json:"image"`
	Video    *media `json:"video"`
	Audio    *media `json:"audio"`
	Document *media `json:"document"`
	Sticker  *media `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
	} `json:"contacts"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

var statusMap = map[string]models.MessageStatus{
	"sent":      models.StatusSent,
	"delivered": models.StatusDelivered,
	"read":      models.StatusRead,
	"failed":    models.StatusFailed,
}

// Parser decodes WhatsApp Cloud API webhook notifications.
type Parser struct{}

func decode(body []byte) (*notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err).WithMessage("malformed whatsapp payload")
	}
	return &n, nil
}

func firstValue(n *notification) *value {
	if len(n.Entry) == 0 || len(n.Entry[0].Changes) == 0 {
		return nil
	}
	return &n.Entry[0].Changes[0].Value
}

func (Parser) Identify(body []byte) (channel.EventKey, error) {
	n, err := decode(body)
	if err != nil {
		return channel.EventKey{}, err
	}
	v := firstValue(n)
	if v == nil {
		return channel.EventKey{EventType: EventTypeUnknown}, nil
	}

	switch {
	case len(v.Messages) > 0:
		var m message
		if err := json.Unmarshal(v.Messages[0], &m); err != nil {
			return channel.EventKey{}, apperrors.ErrValidation.WithCause(err).WithMessage("malformed whatsapp message")
		}
		return channel.EventKey{ProviderID: m.ID, EventType: EventTypeMessages, SenderID: m.From, Timestamp: m.Timestamp}, nil
	case len(v.Statuses) > 0:
		s := v.Statuses[0]
		key := channel.EventKey{EventType: EventTypeMessageStatus, SenderID: s.RecipientID, Timestamp: s.Timestamp}
		if s.ID != "" {
			key.ProviderID = s.ID + ":" + s.Status
		}
		return key, nil
	case len(v.AccountAlerts) > 0:
		return channel.EventKey{EventType: EventTypeAccountAlerts, SenderID: n.Entry[0].ID}, nil
	}
	return channel.EventKey{EventType: EventTypeUnknown}, nil
}

// Parse walks every entry and change. Items that fail to decode are skipped
// so one bad message does not drop its siblings.
func (Parser) Parse(accountID string, body []byte) ([]channel.Event, error) {
	n, err := decode(body)
	if err != nil {
		return nil, err
	}

	var events []channel.Event
	for _, e := range n.Entry {
		for _, c := range e.Changes {
			v := c.Value
			names := make(map[string]string, len(v.Contacts))
			for _, ct := range v.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}

			for _, raw := range v.Messages {
				var m message
				if err := json.Unmarshal(raw, &m); err != nil {
					continue
				}
				msg := toCanonical(accountID, m, names[m.From], v.Metadata.PhoneNumberID)
				var rawMap map[string]interface{}
				if err := json.Unmarshal(raw, &rawMap); err == nil {
					msg.RawPayload = rawMap
				}
				events = append(events, channel.Event{
					Kind:      channel.EventMessage,
					SenderID:  m.From,
					Timestamp: msg.Timestamps.Created,
					Message:   msg,
					Payload:   msg.QuickReplyPayload,
					Raw:       msg.RawPayload,
				})
			}

			for _, s := range v.Statuses {
				mapped, ok := statusMap[s.Status]
				if !ok {
					continue
				}
				update := &channel.StatusUpdate{
					ExternalID: s.ID,
					Status:     mapped,
					At:         channel.ParseUnixString(s.Timestamp),
				}
				if len(s.Errors) > 0 {
					update.ErrorCode = fmt.Sprintf("%d", s.Errors[0].Code)
					update.ErrorMessage = s.Errors[0].Title
				}
				events = append(events, channel.Event{
					Kind:      channel.EventStatus,
					SenderID:  s.RecipientID,
					Timestamp: update.At,
					Status:    update,
				})
			}

			for _, alert := range v.AccountAlerts {
				events = append(events, channel.Event{Kind: channel.EventAlert, SenderID: e.ID, Raw: alert})
			}
		}
	}
	return events, nil
}

func toCanonical(accountID string, m message, senderName, phoneNumberID string) *models.CanonicalMessage {
	msg := models.NewInboundMessage(models.ChannelWhatsApp, accountID, channel.ParseUnixString(m.Timestamp))
	msg.ExternalID = m.ID
	msg.SenderIdentifier = m.From
	msg.SenderName = senderName
	if phoneNumberID != "" {
		msg.RecipientIdentifiers = []string{phoneNumberID}
	}
	msg.ContentText = extractContent(m)
	if m.Context != nil {
		msg.InReplyTo = m.Context.ID
	}

	switch {
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		msg.QuickReplyPayload = m.Interactive.ButtonReply.ID
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		msg.QuickReplyPayload = m.Interactive.ListReply.ID
	case m.Button != nil:
		msg.QuickReplyPayload = m.Button.Payload
	}

	if md, kind := mediaOf(m); md != nil {
		name := md.Filename
		if name == "" {
			name = kind + "_" + md.ID
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:  name,
			MimeType:  md.MimeType,
			Reference: md.ID,
		})
	}
	return msg
}

func mediaOf(m message) (*media, string) {
	switch m.Type {
	case "image":
		return m.Image, m.Type
	case "video":
		return m.Video, m.Type
	case "audio":
		return m.Audio, m.Type
	case "document":
		return m.Document, m.Type
	case "sticker":
		return m.Sticker, m.Type
	}
	return nil, ""
}

func extractContent(m message) string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image", "video", "document":
		if md, _ := mediaOf(m); md != nil {
			return md.Caption
		}
	case "location":
		if m.Location != nil {
			return fmt.Sprintf("Location: %v, %v", m.Location.Latitude, m.Location.Longitude)
		}
	case "contacts":
		name := "Unknown"
		if len(m.Contacts) > 0 && m.Contacts[0].Name.FormattedName != "" {
			name = m.Contacts[0].Name.FormattedName
		}
		return "Contact: " + name
	case "interactive":
		if m.Interactive != nil && m.Interactive.ButtonReply != nil {
			return m.Interactive.ButtonReply.Title
		}
		if m.Interactive != nil && m.Interactive.ListReply != nil {
			return m.Interactive.ListReply.Title
		}
	case "button":
		if m.Button != nil {
			return m.Button.Text
		}
	}
	return ""
}
