package instagram

import (
	"encoding/json"
	"strconv"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const (
	EventTypeMessage   = "message"
	EventTypePostbacks = "messaging_postbacks"
	EventTypeReferrals = "messaging_referral"
	EventTypeReactions = "message_reactions"
	EventTypeSeen      = "messaging_seen"
	EventTypeUnknown   = "unknown"

	// AttachmentStoryMention marks a message that mentions the account in a story.
	AttachmentStoryMention = "story_mention"
)

type notification struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID           string `json:"mid"`
		Text          string `json:"text"`
		IsEcho        bool   `json:"is_echo"`
		IsDeleted     bool   `json:"is_deleted"`
		IsUnsupported bool   `json:"is_unsupported"`
		QuickReply    *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		ReplyTo *struct {
			MID   string `json:"mid"`
			Story *struct {
				URL string `json:"url"`
				ID  string `json:"id"`
			} `json:"story"`
		} `json:"reply_to"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Referral *struct {
		Ref    string `json:"ref"`
		Source string `json:"source"`
		Type   string `json:"type"`
	} `json:"referral"`
	Reaction *struct {
		MID      string `json:"mid"`
		Action   string `json:"action"`
		Reaction string `json:"reaction"`
		Emoji    string `json:"emoji"`
	} `json:"reaction"`
	Read *struct {
		MID string `json:"mid"`
	} `json:"read"`
}

func (m messaging) eventType() string {
	switch {
	case m.Message != nil:
		return EventTypeMessage
	case m.Postback != nil:
		return EventTypePostbacks
	case m.Referral != nil:
		return EventTypeReferrals
	case m.Reaction != nil:
		return EventTypeReactions
	case m.Read != nil:
		return EventTypeSeen
	}
	return EventTypeUnknown
}

// Parser decodes Instagram messaging webhooks. The envelope matches the
// Messenger one with object "instagram".
type Parser struct{}

func decode(body []byte) (*notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err).WithMessage("malformed instagram payload")
	}
	if n.Object != "instagram" {
		return nil, apperrors.ErrValidation.WithMessage("unexpected webhook object").WithDetail("object", n.Object)
	}
	return &n, nil
}

func (Parser) Identify(body []byte) (channel.EventKey, error) {
	n, err := decode(body)
	if err != nil {
		return channel.EventKey{}, err
	}
	for _, e := range n.Entry {
		if len(e.Messaging) == 0 {
			continue
		}
		var m messaging
		if err := json.Unmarshal(e.Messaging[0], &m); err != nil {
			return channel.EventKey{}, apperrors.ErrValidation.WithCause(err).WithMessage("malformed messaging event")
		}
		key := channel.EventKey{
			EventType: m.eventType(),
			SenderID:  m.Sender.ID,
			Timestamp: strconv.FormatInt(m.Timestamp, 10),
		}
		switch {
		case m.Message != nil && m.Message.MID != "":
			key.ProviderID = m.Message.MID
			if m.Message.IsDeleted {
				key.ProviderID += ":deleted"
			}
		case m.Postback != nil && m.Postback.MID != "":
			key.ProviderID = m.Postback.MID + ":postback"
		case m.Reaction != nil && m.Reaction.MID != "":
			key.ProviderID = m.Reaction.MID + ":" + m.Reaction.Action + ":" + m.Sender.ID
		}
		return key, nil
	}
	return channel.EventKey{EventType: EventTypeUnknown}, nil
}

// Parse returns one event per messaging item. Echoes, deletions and
// unsupported message types are dropped.
func (Parser) Parse(accountID string, body []byte) ([]channel.Event, error) {
	n, err := decode(body)
	if err != nil {
		return nil, err
	}

	var events []channel.Event
	for _, e := range n.Entry {
		for _, raw := range e.Messaging {
			var m messaging
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			var rawMap map[string]interface{}
			_ = json.Unmarshal(raw, &rawMap)

			ev, ok := toEvent(accountID, e.ID, m)
			if !ok {
				continue
			}
			ev.Raw = rawMap
			if ev.Message != nil {
				ev.Message.RawPayload = rawMap
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func toEvent(accountID, igID string, m messaging) (channel.Event, bool) {
	ev := channel.Event{
		SenderID:  m.Sender.ID,
		Timestamp: channel.UnixTime(m.Timestamp),
	}

	switch m.eventType() {
	case EventTypeMessage:
		if m.Message.IsEcho || m.Message.IsDeleted || m.Message.IsUnsupported || m.Message.MID == "" {
			return ev, false
		}
		msg := models.NewInboundMessage(models.ChannelInstagram, accountID, ev.Timestamp)
		msg.ExternalID = m.Message.MID
		msg.SenderIdentifier = m.Sender.ID
		msg.RecipientIdentifiers = []string{igID}
		msg.ContentText = m.Message.Text
		if m.Message.QuickReply != nil {
			msg.QuickReplyPayload = m.Message.QuickReply.Payload
		}
		msg.RawHeaders = map[string]string{}
		if rt := m.Message.ReplyTo; rt != nil {
			msg.InReplyTo = rt.MID
			if rt.Story != nil {
				msg.RawHeaders["X-Instagram-Story-Id"] = rt.Story.ID
			}
		}
		for i, att := range m.Message.Attachments {
			if att.Type == AttachmentStoryMention {
				msg.RawHeaders["X-Instagram-Story-Mention"] = att.Payload.URL
			}
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Filename:  att.Type + "_" + strconv.Itoa(i+1),
				MimeType:  att.Type,
				Reference: att.Payload.URL,
			})
		}
		ev.Kind = channel.EventMessage
		ev.Message = msg
		ev.Payload = msg.QuickReplyPayload

	case EventTypePostbacks:
		msg := models.NewInboundMessage(models.ChannelInstagram, accountID, ev.Timestamp)
		if m.Postback.MID != "" {
			msg.ExternalID = m.Postback.MID + ":postback"
		}
		msg.SenderIdentifier = m.Sender.ID
		msg.RecipientIdentifiers = []string{igID}
		msg.ContentText = m.Postback.Title
		msg.QuickReplyPayload = m.Postback.Payload
		ev.Kind = channel.EventPostback
		ev.Message = msg
		ev.Payload = m.Postback.Payload
		ev.Title = m.Postback.Title

	case EventTypeReferrals:
		ev.Kind = channel.EventReferral
		ev.Payload = m.Referral.Ref
		ev.Title = m.Referral.Source

	case EventTypeReactions:
		// reactions carry no content for rules or flows
		ev.Kind = channel.EventUnknown
		ev.MessageIDs = []string{m.Reaction.MID}
		ev.Payload = m.Reaction.Reaction
		ev.Title = m.Reaction.Action

	case EventTypeSeen:
		ev.Kind = channel.EventRead
		ev.Watermark = ev.Timestamp
		if m.Read.MID != "" {
			ev.MessageIDs = []string{m.Read.MID}
		}

	default:
		ev.Kind = channel.EventUnknown
	}
	return ev, true
}
