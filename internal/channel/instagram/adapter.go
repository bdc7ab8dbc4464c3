// Package instagram implements the Instagram Messaging adapter and webhook
// parser on top of the Graph API client shared with Messenger.
package instagram

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/channel/facebook"
	"switchboard/internal/channel/graphapi"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	CredAccessToken = "access_token"
	CredAccountID   = "instagram_account_id"

	endpointMessages = "messages"
	endpointProfile  = "profile"
)

// Adapter sends direct messages for one professional account.
type Adapter struct {
	account channel.Account
	client  *graphapi.Client
}

func New(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewAdapter(account, deps)
}

func NewAdapter(account channel.Account, deps channel.Dependencies) (*Adapter, error) {
	if account.Credential(CredAccessToken) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("instagram account requires access_token").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Instagram
	client := graphapi.New(graphapi.Options{
		Name:        "instagram",
		BaseURL:     cfg.BaseURL,
		AccessToken: account.Credential(CredAccessToken),
		AccountID:   account.ID,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Limiter:     deps.Limiter,
		Limits:      ratelimit.LimitsFrom(deps.RateLimit, string(models.ChannelInstagram)),
		Breaker:     deps.Breaker,
		Logger:      deps.Logger,
	})
	return &Adapter{account: account, client: client}, nil
}

func (a *Adapter) Client() *graphapi.Client {
	return a.client
}

// Send posts to me/messages once per recipient IGSID. It takes the same
// options as the Messenger adapter except messaging_type.
func (a *Adapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	if len(req.Recipients) == 0 {
		return nil, apperrors.ErrValidation.WithMessage("at least one recipient is required")
	}
	message, err := facebook.BuildMessage(req)
	if err != nil {
		return nil, err
	}

	msg := models.NewOutboundMessage(models.ChannelInstagram, a.account.ID)
	msg.SenderIdentifier = a.account.Credential(CredAccountID)
	msg.RecipientIdentifiers = append([]string(nil), req.Recipients...)
	msg.ContentText = req.TextBody
	msg.Attachments = req.Attachments

	ids := make([]string, 0, len(req.Recipients))
	for _, igsid := range req.Recipients {
		body := map[string]interface{}{
			"recipient": map[string]string{"id": igsid},
			"message":   message,
		}
		if tag := req.StringOption("tag"); tag != "" {
			body["tag"] = tag
		}

		var resp struct {
			RecipientID string `json:"recipient_id"`
			MessageID   string `json:"message_id"`
		}
		err := a.client.Do(ctx, graphapi.Request{
			Method:   http.MethodPost,
			Path:     "me/messages",
			Body:     body,
			Endpoint: endpointMessages,
		}, &resp)
		if err != nil {
			metrics.IncOutboundSend(string(models.ChannelInstagram), "error")
			_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
			return msg, err
		}
		metrics.IncOutboundSend(string(models.ChannelInstagram), "sent")
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

// UserProfile fetches the display name of an IGSID. Instagram returns a
// single name, which is split on the first space.
func (a *Adapter) UserProfile(ctx context.Context, igsid string) (*facebook.Profile, error) {
	var p struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Username   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
	}
	err := a.client.Do(ctx, graphapi.Request{
		Method:   http.MethodGet,
		Path:     url.PathEscape(igsid),
		Query:    url.Values{"fields": []string{"name,username,profile_pic"}},
		Endpoint: endpointProfile,
	}, &p)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = p.Username
	}
	first, last, _ := strings.Cut(name, " ")
	return &facebook.Profile{ID: p.ID, FirstName: first, LastName: last, ProfilePic: p.ProfilePic}, nil
}
