// Package whatsapp implements the WhatsApp Cloud API outbound adapter and the
// webhook payload parser.
package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/channel/graphapi"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	CredAccessToken   = "access_token"
	CredPhoneNumberID = "phone_number_id"

	endpointMessages = "messages"
)

// Adapter sends messages through one phone number. It is safe for concurrent use.
type Adapter struct {
	account channel.Account
	client  *graphapi.Client
}

func New(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewAdapter(account, deps)
}

func NewAdapter(account channel.Account, deps channel.Dependencies) (*Adapter, error) {
	if account.Credential(CredAccessToken) == "" || account.Credential(CredPhoneNumberID) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("whatsapp account requires access_token and phone_number_id").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.WhatsApp
	client := graphapi.New(graphapi.Options{
		Name:        "whatsapp",
		BaseURL:     cfg.BaseURL,
		AccessToken: account.Credential(CredAccessToken),
		AccountID:   account.ID,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Limiter:     deps.Limiter,
		Limits:      ratelimit.LimitsFrom(deps.RateLimit, string(models.ChannelWhatsApp)),
		Breaker:     deps.Breaker,
		Logger:      deps.Logger,
	})
	return &Adapter{account: account, client: client}, nil
}

// Client exposes the underlying Graph API client, mainly for tests.
func (a *Adapter) Client() *graphapi.Client {
	return a.client
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts one message per recipient. Options may carry "template",
// "interactive" or "media" objects; otherwise a text body is required.
func (a *Adapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	if len(req.Recipients) == 0 {
		return nil, apperrors.ErrValidation.WithMessage("at least one recipient is required")
	}

	msg := models.NewOutboundMessage(models.ChannelWhatsApp, a.account.ID)
	msg.SenderIdentifier = a.account.Credential(CredPhoneNumberID)
	msg.RecipientIdentifiers = append([]string(nil), req.Recipients...)
	msg.ContentText = req.TextBody
	msg.ContentHTML = req.HTMLBody
	msg.Attachments = req.Attachments

	ids := make([]string, 0, len(req.Recipients))
	for _, to := range req.Recipients {
		body, err := buildPayload(to, req)
		if err != nil {
			return nil, err
		}

		var resp sendResponse
		err = a.client.Do(ctx, graphapi.Request{
			Method:   http.MethodPost,
			Path:     a.account.Credential(CredPhoneNumberID) + "/messages",
			Body:     body,
			Endpoint: endpointMessages,
		}, &resp)
		if err != nil {
			metrics.IncOutboundSend(string(models.ChannelWhatsApp), "error")
			_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
			return msg, err
		}
		metrics.IncOutboundSend(string(models.ChannelWhatsApp), "sent")
		if len(resp.Messages) > 0 {
			ids = append(ids, resp.Messages[0].ID)
		}
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

func buildPayload(to string, req channel.SendRequest) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	if tmpl, ok := req.Option("template"); ok {
		payload["type"] = "template"
		payload["template"] = tmpl
		return payload, nil
	}
	if interactive, ok := req.Option("interactive"); ok {
		payload["type"] = "interactive"
		payload["interactive"] = interactive
		return payload, nil
	}
	if media, ok := req.Options["media"].(map[string]interface{}); ok {
		mediaType, _ := media["type"].(string)
		if mediaType == "" {
			return nil, apperrors.ErrValidation.WithMessage("media option requires a type")
		}
		obj := map[string]interface{}{}
		for _, k := range []string{"id", "link", "filename"} {
			if v, ok := media[k]; ok {
				obj[k] = v
			}
		}
		if req.TextBody != "" && mediaType != "audio" && mediaType != "sticker" {
			obj["caption"] = req.TextBody
		}
		payload["type"] = mediaType
		payload[mediaType] = obj
		return payload, nil
	}

	if req.TextBody == "" {
		return nil, apperrors.ErrSend.WithMessage(fmt.Sprintf("whatsapp message to %s has no text body", to))
	}
	preview, _ := req.Options["preview_url"].(bool)
	payload["type"] = "text"
	payload["text"] = map[string]interface{}{"body": req.TextBody, "preview_url": preview}
	return payload, nil
}
