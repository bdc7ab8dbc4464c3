// Package facebook implements the Messenger Send API adapter, user profile
// lookup and the page webhook parser.
package facebook

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/channel/graphapi"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	CredPageAccessToken = "page_access_token"
	CredPageID          = "page_id"

	endpointMessages = "messages"
	endpointProfile  = "profile"

	// PayloadGetStarted is the postback sent by the Get Started button.
	PayloadGetStarted = "GET_STARTED"
)

// Adapter sends through one page. It is safe for concurrent use.
type Adapter struct {
	account channel.Account
	client  *graphapi.Client
}

func New(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewAdapter(account, deps)
}

func NewAdapter(account channel.Account, deps channel.Dependencies) (*Adapter, error) {
	if account.Credential(CredPageAccessToken) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("facebook account requires page_access_token").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Facebook
	client := graphapi.New(graphapi.Options{
		Name:        "facebook",
		BaseURL:     cfg.BaseURL,
		AccessToken: account.Credential(CredPageAccessToken),
		AccountID:   account.ID,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Limiter:     deps.Limiter,
		Limits:      ratelimit.LimitsFrom(deps.RateLimit, string(models.ChannelFacebook)),
		Breaker:     deps.Breaker,
		Logger:      deps.Logger,
	})
	return &Adapter{account: account, client: client}, nil
}

func (a *Adapter) Client() *graphapi.Client {
	return a.client
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// QuickReply is one Messenger quick reply button.
type QuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// Send posts to me/messages once per recipient PSID. Options:
// "quick_replies" ([]QuickReply or []map), "template" (template payload),
// "attachment_url" with "attachment_type", "messaging_type" and "tag".
func (a *Adapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	if len(req.Recipients) == 0 {
		return nil, apperrors.ErrValidation.WithMessage("at least one recipient is required")
	}

	message, err := BuildMessage(req)
	if err != nil {
		return nil, err
	}

	msg := models.NewOutboundMessage(models.ChannelFacebook, a.account.ID)
	msg.SenderIdentifier = a.account.Credential(CredPageID)
	msg.RecipientIdentifiers = append([]string(nil), req.Recipients...)
	msg.ContentText = req.TextBody
	msg.Attachments = req.Attachments

	messagingType := req.StringOption("messaging_type")
	if messagingType == "" {
		messagingType = "RESPONSE"
	}

	ids := make([]string, 0, len(req.Recipients))
	for _, psid := range req.Recipients {
		body := map[string]interface{}{
			"recipient":      map[string]string{"id": psid},
			"messaging_type": messagingType,
			"message":        message,
		}
		if tag := req.StringOption("tag"); tag != "" {
			body["tag"] = tag
		}

		var resp sendResponse
		err := a.client.Do(ctx, graphapi.Request{
			Method:   http.MethodPost,
			Path:     "me/messages",
			Body:     body,
			Endpoint: endpointMessages,
		}, &resp)
		if err != nil {
			metrics.IncOutboundSend(string(models.ChannelFacebook), "error")
			_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
			return msg, err
		}
		metrics.IncOutboundSend(string(models.ChannelFacebook), "sent")
		ids = append(ids, resp.MessageID)
	}

	if len(ids) > 0 {
		msg.SetExternalID(ids[0])
	}
	msg.RawPayload = map[string]interface{}{"message_ids": ids}
	if err := msg.TransitionTo(models.StatusSent, time.Now().UTC()); err != nil {
		return nil, err
	}
	return msg, nil
}

// BuildMessage renders the message object of a Send API call. Instagram
// accepts the same shape.
func BuildMessage(req channel.SendRequest) (map[string]interface{}, error) {
	if tmpl, ok := req.Option("template"); ok {
		return map[string]interface{}{
			"attachment": map[string]interface{}{"type": "template", "payload": tmpl},
		}, nil
	}
	if link := req.StringOption("attachment_url"); link != "" {
		kind := req.StringOption("attachment_type")
		if kind == "" {
			kind = "file"
		}
		return map[string]interface{}{
			"attachment": map[string]interface{}{
				"type":    kind,
				"payload": map[string]interface{}{"url": link, "is_reusable": true},
			},
		}, nil
	}

	if req.TextBody == "" {
		return nil, apperrors.ErrSend.WithMessage("messenger message has no text body")
	}
	message := map[string]interface{}{"text": req.TextBody}
	if qr, ok := req.Option("quick_replies"); ok {
		message["quick_replies"] = normalizeQuickReplies(qr)
	}
	return message, nil
}

func normalizeQuickReplies(v interface{}) interface{} {
	switch replies := v.(type) {
	case []QuickReply:
		for i := range replies {
			if replies[i].ContentType == "" {
				replies[i].ContentType = "text"
			}
		}
		return replies
	case []interface{}:
		for _, r := range replies {
			if m, ok := r.(map[string]interface{}); ok {
				if _, set := m["content_type"]; !set {
					m["content_type"] = "text"
				}
			}
		}
		return replies
	}
	return v
}

// Profile is the subset of the user profile used for flow variables.
type Profile struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ProfilePic string `json:"profile_pic"`
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// UserProfile fetches first and last name for a PSID.
func (a *Adapter) UserProfile(ctx context.Context, psid string) (*Profile, error) {
	var p Profile
	err := a.client.Do(ctx, graphapi.Request{
		Method:   http.MethodGet,
		Path:     url.PathEscape(psid),
		Query:    url.Values{"fields": []string{"first_name,last_name,profile_pic"}},
		Endpoint: endpointProfile,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
