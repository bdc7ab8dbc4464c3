package facebook

import (
	"encoding/json"
	"strconv"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const (
	EventTypeMessage    = "message"
	EventTypePostbacks  = "messaging_postbacks"
	EventTypeOptins     = "messaging_optins"
	EventTypeReferrals  = "messaging_referrals"
	EventTypeHandovers  = "messaging_handovers"
	EventTypeDeliveries = "message_deliveries"
	EventTypeReads      = "message_reads"
	EventTypeUnknown    = "unknown"
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

type handoverData struct {
	NewOwnerAppID       string `json:"new_owner_app_id"`
	PreviousOwnerAppID  string `json:"previous_owner_app_id"`
	RequestedOwnerAppID string `json:"requested_owner_app_id"`
	Metadata            string `json:"metadata"`
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
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		ReplyTo *struct {
			MID string `json:"mid"`
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
	Optin *struct {
		Ref string `json:"ref"`
	} `json:"optin"`
	Referral *struct {
		Ref    string `json:"ref"`
		Source string `json:"source"`
		Type   string `json:"type"`
	} `json:"referral"`
	PassThreadControl    *handoverData `json:"pass_thread_control"`
	TakeThreadControl    *handoverData `json:"take_thread_control"`
	RequestThreadControl *handoverData `json:"request_thread_control"`
	Delivery             *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

func (m messaging) eventType() string {
	switch {
	case m.Message != nil:
		return EventTypeMessage
	case m.Postback != nil:
		return EventTypePostbacks
	case m.Optin != nil:
		return EventTypeOptins
	case m.Referral != nil:
		return EventTypeReferrals
	case m.PassThreadControl != nil, m.TakeThreadControl != nil, m.RequestThreadControl != nil:
		return EventTypeHandovers
	case m.Delivery != nil:
		return EventTypeDeliveries
	case m.Read != nil:
		return EventTypeReads
	}
	return EventTypeUnknown
}

// Parser decodes Messenger page webhooks.
type Parser struct{}

func decode(body []byte) (*notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err).WithMessage("malformed messenger payload")
	}
	if n.Object != "page" {
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
		case m.Postback != nil && m.Postback.MID != "":
			key.ProviderID = m.Postback.MID + ":postback"
		}
		return key, nil
	}
	return channel.EventKey{EventType: EventTypeUnknown}, nil
}

// Parse returns one event per messaging item. Echoes of our own sends and
// messages without a mid are dropped.
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

func toEvent(accountID, pageID string, m messaging) (channel.Event, bool) {
	ev := channel.Event{
		SenderID:  m.Sender.ID,
		Timestamp: channel.UnixTime(m.Timestamp),
	}

	switch m.eventType() {
	case EventTypeMessage:
		if m.Message.IsEcho || m.Message.MID == "" {
			return ev, false
		}
		msg := models.NewInboundMessage(models.ChannelFacebook, accountID, ev.Timestamp)
		msg.ExternalID = m.Message.MID
		msg.SenderIdentifier = m.Sender.ID
		msg.RecipientIdentifiers = []string{pageID}
		msg.ContentText = m.Message.Text
		if m.Message.QuickReply != nil {
			msg.QuickReplyPayload = m.Message.QuickReply.Payload
		}
		if m.Message.ReplyTo != nil {
			msg.InReplyTo = m.Message.ReplyTo.MID
		}
		for i, att := range m.Message.Attachments {
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
		msg := models.NewInboundMessage(models.ChannelFacebook, accountID, ev.Timestamp)
		if m.Postback.MID != "" {
			msg.ExternalID = m.Postback.MID + ":postback"
		}
		msg.SenderIdentifier = m.Sender.ID
		msg.RecipientIdentifiers = []string{pageID}
		msg.ContentText = m.Postback.Title
		msg.QuickReplyPayload = m.Postback.Payload
		ev.Kind = channel.EventPostback
		ev.Message = msg
		ev.Payload = m.Postback.Payload
		ev.Title = m.Postback.Title

	case EventTypeOptins:
		ev.Kind = channel.EventOptin
		ev.Payload = m.Optin.Ref

	case EventTypeReferrals:
		ev.Kind = channel.EventReferral
		ev.Payload = m.Referral.Ref
		ev.Title = m.Referral.Source

	case EventTypeHandovers:
		ev.Kind = channel.EventHandover
		switch {
		case m.PassThreadControl != nil:
			ev.Handover = &channel.Handover{Action: channel.HandoverPass, AppID: m.PassThreadControl.NewOwnerAppID, Metadata: m.PassThreadControl.Metadata}
		case m.TakeThreadControl != nil:
			ev.Handover = &channel.Handover{Action: channel.HandoverTake, AppID: m.TakeThreadControl.PreviousOwnerAppID, Metadata: m.TakeThreadControl.Metadata}
		default:
			ev.Handover = &channel.Handover{Action: channel.HandoverRequest, AppID: m.RequestThreadControl.RequestedOwnerAppID, Metadata: m.RequestThreadControl.Metadata}
		}

	case EventTypeDeliveries:
		ev.Kind = channel.EventDelivery
		ev.MessageIDs = m.Delivery.MIDs
		ev.Watermark = channel.UnixTime(m.Delivery.Watermark)

	case EventTypeReads:
		ev.Kind = channel.EventRead
		ev.Watermark = channel.UnixTime(m.Read.Watermark)

	default:
		ev.Kind = channel.EventUnknown
	}
	return ev, true
}
