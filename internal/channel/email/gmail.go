package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"switchboard/internal/channel"
	"switchboard/internal/channel/graphapi"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/retry"
)

const (
	CredClientID     = "client_id"
	CredClientSecret = "client_secret"
	CredRefreshToken = "refresh_token"
	CredAccessToken  = "access_token"
	CredTokenExpiry  = "token_expiry"
	CredEmail        = "email"

	DefaultGmailAPIBaseURL = "https://gmail.googleapis.com/gmail/v1"
	DefaultGmailTokenURL   = "https://oauth2.googleapis.com/token"

	gmailScope = "https://www.googleapis.com/auth/gmail.modify"
)

// GmailAdapter polls and sends through the Gmail REST API with OAuth2
// credentials that refresh automatically.
type GmailAdapter struct {
	account     channel.Account
	client      *graphapi.Client
	maxMessages int
	maxAge      time.Duration
	logger      logger.Logger
	now         func() time.Time
}

func NewGmailInbound(account channel.Account, deps channel.Dependencies) (channel.InboundAdapter, error) {
	return NewGmailAdapter(context.Background(), account, deps)
}

func NewGmailOutbound(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewGmailAdapter(context.Background(), account, deps)
}

// NewGmailAdapter builds the adapter. ctx scopes the token refresh client.
func NewGmailAdapter(ctx context.Context, account channel.Account, deps channel.Dependencies) (*GmailAdapter, error) {
	if account.Credential(CredRefreshToken) == "" && account.Credential(CredAccessToken) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("gmail account requires an oauth refresh or access token").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Email.Gmail
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = DefaultGmailAPIBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultGmailTokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	oauthCfg := &oauth2.Config{
		ClientID:     account.Credential(CredClientID),
		ClientSecret: account.Credential(CredClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       []string{gmailScope},
	}
	token := &oauth2.Token{
		AccessToken:  account.Credential(CredAccessToken),
		RefreshToken: account.Credential(CredRefreshToken),
		TokenType:    "Bearer",
	}
	if exp := account.Credential(CredTokenExpiry); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			token.Expiry = t
		}
	}

	base := &http.Client{Timeout: timeout}
	httpClient := oauthCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, base), token)
	httpClient.Timeout = timeout

	maxMessages := deps.Config.Email.MaxMessagesPerPoll
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessagesPerPoll
	}
	log := deps.Logger
	if log == nil {
		log = logger.NopLogger()
	}

	client := graphapi.New(graphapi.Options{
		Name:           "gmail",
		BaseURL:        baseURL,
		AccountID:      account.ID,
		MaxRetries:     constants.DefaultSendMaxRetries,
		Limiter:        deps.Limiter,
		Limits:         ratelimit.LimitsFrom(deps.RateLimit, string(models.ChannelEmail)),
		Breaker:        deps.Breaker,
		HTTPClient:     httpClient,
		Logger:         log,
		TransportError: tokenError,
	})

	return &GmailAdapter{
		account:     account,
		client:      client,
		maxMessages: maxMessages,
		maxAge:      DefaultMaxMessageAge,
		logger:      log,
		now:         time.Now,
	}, nil
}

// tokenError reports a failed token refresh as an authentication error.
func tokenError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return apperrors.ErrAuthentication.WithCause(err).WithMessage("oauth token refresh failed")
	}
	return nil
}

// WithPolicy replaces the retry policy of the underlying client.
func (a *GmailAdapter) WithPolicy(p retry.Policy) *GmailAdapter {
	a.client.WithPolicy(p)
	return a
}

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	ResultSizeEstimate int `json:"resultSizeEstimate"`
}

type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
	Raw      string   `json:"raw"`
}

func (a *GmailAdapter) ValidateCredentials(ctx context.Context) (bool, error) {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "users/me/profile", Endpoint: "profile"}, &profile)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Poll lists unread messages inside the age window, fetches each in raw form
// and removes the UNREAD label once the sink accepted it. Messages that fail
// to fetch or parse are counted and skipped.
func (a *GmailAdapter) Poll(ctx context.Context, sink channel.MessageSink) (channel.PollResult, error) {
	var result channel.PollResult
	started := time.Now()
	defer func() {
		metrics.ObservePollDuration(string(channel.ProtocolGmail), time.Since(started))
	}()

	since := a.now().Add(-a.maxAge)
	query := url.Values{}
	query.Set("q", fmt.Sprintf("is:unread after:%s", since.Format("2006/01/02")))
	query.Set("maxResults", strconv.Itoa(a.maxMessages))

	var list gmailList
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "users/me/messages", Query: query, Endpoint: "list"}, &list); err != nil {
		return result, err
	}
	result.MessagesFound = len(list.Messages)

	for _, ref := range list.Messages {
		if ctx.Err() != nil {
			result.ErrorMessage = ctx.Err().Error()
			break
		}
		if err := a.processOne(ctx, ref.ID, sink); err != nil {
			if apperrors.IsAuthentication(err) {
				return result, err
			}
			result.MessagesFailed++
			result.ErrorMessage = err.Error()
			a.logger.WarnwCtx(ctx, "Failed to process gmail message",
				"account_id", a.account.ID,
				"gmail_id", ref.ID,
				"error", err,
			)
			continue
		}
		result.MessagesProcessed++
	}

	result.Finalize()
	return result, nil
}

func (a *GmailAdapter) processOne(ctx context.Context, id string, sink channel.MessageSink) error {
	var gm gmailMessage
	query := url.Values{"format": []string{"raw"}}
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "users/me/messages/" + id, Query: query, Endpoint: "get"}, &gm); err != nil {
		return err
	}

	raw, err := decodeRaw(gm.Raw)
	if err != nil {
		return apperrors.ErrPolling.WithCause(err).WithMessage("failed to decode gmail raw message")
	}
	msg, err := Parse(a.account.ID, raw)
	if err != nil {
		return err
	}
	if msg.ExternalID == "" {
		msg.ExternalID = gm.ID
	}
	msg.RawHeaders["X-Gmail-Id"] = gm.ID
	msg.RawHeaders["X-Gmail-Thread-Id"] = gm.ThreadID

	if err := sink.Accept(ctx, msg); err != nil {
		return err
	}

	body := map[string]interface{}{"removeLabelIds": []string{"UNREAD"}}
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodPost, Path: "users/me/messages/" + id + "/modify", Body: body, Endpoint: "modify"}, nil); err != nil {
		a.logger.WarnwCtx(ctx, "Failed to mark gmail message read",
			"account_id", a.account.ID,
			"gmail_id", id,
			"error", err,
		)
	}
	return nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Send composes the message and submits it through users.messages.send.
// The "thread_id" option keeps the reply in an existing Gmail thread.
func (a *GmailAdapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	from := a.account.Credential(CredEmail)
	if from == "" {
		from = sender(a.account)
	}
	if from == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("gmail account requires an email address").
			WithDetail("account_id", a.account.ID)
	}
	raw, id, err := Compose(from, req)
	if err != nil {
		return nil, err
	}
	msg := outboundMessage(a.account.ID, from, id, req)

	body := map[string]interface{}{"raw": base64.URLEncoding.EncodeToString(raw)}
	if threadID := req.StringOption("thread_id"); threadID != "" {
		body["threadId"] = threadID
	}

	var sent gmailMessage
	err = a.client.Do(ctx, graphapi.Request{Method: http.MethodPost, Path: "users/me/messages/send", Body: body, Endpoint: endpointSend}, &sent)
	if err != nil {
		metrics.IncOutboundSend(string(models.ChannelEmail), "error")
		_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
		return msg, err
	}

	metrics.IncOutboundSend(string(models.ChannelEmail), "sent")
	msg.RawPayload = map[string]interface{}{"gmail_id": sent.ID, "thread_id": sent.ThreadID}
	if err := msg.TransitionTo(models.StatusSent, time.Now().UTC()); err != nil {
		return nil, err
	}
	return msg, nil
}

var (
	_ channel.InboundAdapter  = (*GmailAdapter)(nil)
	_ channel.OutboundAdapter = (*GmailAdapter)(nil)
)
