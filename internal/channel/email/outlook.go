package email

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
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
	DefaultOutlookAPIBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultOutlookTokenURL   = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	outlookSelect = "id,internetMessageId,conversationId,subject,receivedDateTime,from,toRecipients,ccRecipients,body,hasAttachments,internetMessageHeaders"
)

var outlookScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
}

// OutlookAdapter polls and sends through Microsoft Graph mail endpoints.
// It shares the Gmail credential keys.
type OutlookAdapter struct {
	account     channel.Account
	client      *graphapi.Client
	maxMessages int
	maxAge      time.Duration
	logger      logger.Logger
	now         func() time.Time
}

func NewOutlookInbound(account channel.Account, deps channel.Dependencies) (channel.InboundAdapter, error) {
	return NewOutlookAdapter(context.Background(), account, deps)
}

func NewOutlookOutbound(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewOutlookAdapter(context.Background(), account, deps)
}

func NewOutlookAdapter(ctx context.Context, account channel.Account, deps channel.Dependencies) (*OutlookAdapter, error) {
	if account.Credential(CredRefreshToken) == "" && account.Credential(CredAccessToken) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("outlook account requires an oauth refresh or access token").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Email.Outlook
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = DefaultOutlookAPIBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultOutlookTokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	oauthCfg := &oauth2.Config{
		ClientID:     account.Credential(CredClientID),
		ClientSecret: account.Credential(CredClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       outlookScopes,
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
		Name:           "outlook",
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

	return &OutlookAdapter{
		account:     account,
		client:      client,
		maxMessages: maxMessages,
		maxAge:      DefaultMaxMessageAge,
		logger:      log,
		now:         time.Now,
	}, nil
}

func (a *OutlookAdapter) WithPolicy(p retry.Policy) *OutlookAdapter {
	a.client.WithPolicy(p)
	return a
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func toGraphAddresses(in []string) []graphAddress {
	out := make([]graphAddress, 0, len(in))
	for _, addr := range in {
		var ga graphAddress
		ga.EmailAddress.Address = addr
		out = append(out, ga)
	}
	return out
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphMessage struct {
	ID                     string         `json:"id"`
	InternetMessageID      string         `json:"internetMessageId"`
	ConversationID         string         `json:"conversationId"`
	Subject                string         `json:"subject"`
	ReceivedDateTime       time.Time      `json:"receivedDateTime"`
	From                   *graphAddress  `json:"from"`
	ToRecipients           []graphAddress `json:"toRecipients"`
	CcRecipients           []graphAddress `json:"ccRecipients"`
	HasAttachments         bool           `json:"hasAttachments"`
	InternetMessageHeaders []graphHeader  `json:"internetMessageHeaders"`
	Body                   struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes []byte `json:"contentBytes"`
}

func (a *OutlookAdapter) ValidateCredentials(ctx context.Context) (bool, error) {
	var me struct {
		Mail string `json:"mail"`
	}
	err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "me", Endpoint: "profile"}, &me)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Poll lists unread inbox messages inside the age window and marks each read
// once the sink accepted it.
func (a *OutlookAdapter) Poll(ctx context.Context, sink channel.MessageSink) (channel.PollResult, error) {
	var result channel.PollResult
	started := time.Now()
	defer func() {
		metrics.ObservePollDuration(string(channel.ProtocolOutlook), time.Since(started))
	}()

	since := a.now().Add(-a.maxAge).UTC()
	query := url.Values{}
	query.Set("$filter", fmt.Sprintf("isRead eq false and receivedDateTime ge %s", since.Format(time.RFC3339)))
	query.Set("$top", strconv.Itoa(a.maxMessages))
	query.Set("$select", outlookSelect)

	var list struct {
		Value []graphMessage `json:"value"`
	}
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "me/mailFolders/inbox/messages", Query: query, Endpoint: "list"}, &list); err != nil {
		return result, err
	}
	if len(list.Value) > a.maxMessages {
		list.Value = list.Value[:a.maxMessages]
	}
	result.MessagesFound = len(list.Value)

	for i := range list.Value {
		if ctx.Err() != nil {
			result.ErrorMessage = ctx.Err().Error()
			break
		}
		gm := &list.Value[i]
		if err := a.processOne(ctx, gm, sink); err != nil {
			if apperrors.IsAuthentication(err) {
				return result, err
			}
			result.MessagesFailed++
			result.ErrorMessage = err.Error()
			a.logger.WarnwCtx(ctx, "Failed to process outlook message",
				"account_id", a.account.ID,
				"outlook_id", gm.ID,
				"error", err,
			)
			continue
		}
		result.MessagesProcessed++
	}

	result.Finalize()
	return result, nil
}

func (a *OutlookAdapter) processOne(ctx context.Context, gm *graphMessage, sink channel.MessageSink) error {
	msg := a.toCanonical(gm)
	if gm.HasAttachments {
		atts, err := a.attachments(ctx, gm.ID)
		if err != nil {
			return err
		}
		msg.Attachments = atts
	}

	if err := sink.Accept(ctx, msg); err != nil {
		return err
	}

	body := map[string]interface{}{"isRead": true}
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodPatch, Path: "me/messages/" + gm.ID, Body: body, Endpoint: "modify"}, nil); err != nil {
		a.logger.WarnwCtx(ctx, "Failed to mark outlook message read",
			"account_id", a.account.ID,
			"outlook_id", gm.ID,
			"error", err,
		)
	}
	return nil
}

func (a *OutlookAdapter) toCanonical(gm *graphMessage) *models.CanonicalMessage {
	msg := models.NewInboundMessage(models.ChannelEmail, a.account.ID, gm.ReceivedDateTime.UTC())
	msg.ExternalID = strings.Trim(gm.InternetMessageID, "<>")
	if msg.ExternalID == "" {
		msg.ExternalID = gm.ID
	}
	msg.Subject = gm.Subject
	if gm.From != nil {
		msg.SenderIdentifier = strings.ToLower(gm.From.EmailAddress.Address)
		msg.SenderName = gm.From.EmailAddress.Name
	}
	for _, list := range [][]graphAddress{gm.ToRecipients, gm.CcRecipients} {
		for _, r := range list {
			msg.RecipientIdentifiers = append(msg.RecipientIdentifiers, strings.ToLower(r.EmailAddress.Address))
		}
	}
	if strings.EqualFold(gm.Body.ContentType, "html") {
		msg.ContentHTML = gm.Body.Content
	} else {
		msg.ContentText = gm.Body.Content
	}

	msg.RawHeaders = make(map[string]string, len(gm.InternetMessageHeaders)+2)
	for _, h := range gm.InternetMessageHeaders {
		if _, seen := msg.RawHeaders[h.Name]; !seen {
			msg.RawHeaders[h.Name] = h.Value
		}
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			msg.InReplyTo = strings.Trim(strings.TrimSpace(h.Value), "<>")
		case "references":
			for _, ref := range strings.Fields(h.Value) {
				msg.References = append(msg.References, strings.Trim(ref, "<>"))
			}
		}
	}
	msg.RawHeaders["X-Outlook-Id"] = gm.ID
	msg.RawHeaders["X-Outlook-Conversation-Id"] = gm.ConversationID
	return msg
}

func (a *OutlookAdapter) attachments(ctx context.Context, id string) ([]models.Attachment, error) {
	var list struct {
		Value []graphAttachment `json:"value"`
	}
	if err := a.client.Do(ctx, graphapi.Request{Method: http.MethodGet, Path: "me/messages/" + id + "/attachments", Endpoint: "attachments"}, &list); err != nil {
		return nil, err
	}
	out := make([]models.Attachment, 0, len(list.Value))
	for _, ga := range list.Value {
		if ga.ODataType != "" && ga.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		att := models.Attachment{
			Filename:  ga.Name,
			MimeType:  ga.ContentType,
			SizeBytes: ga.Size,
		}
		if len(ga.ContentBytes) <= MaxAttachmentBytes {
			att.Content = ga.ContentBytes
		}
		if att.SizeBytes == 0 {
			att.SizeBytes = int64(len(ga.ContentBytes))
		}
		out = append(out, att)
	}
	return out, nil
}

// Send submits the message through me/sendMail and keeps a copy in Sent Items.
func (a *OutlookAdapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	if !req.HasBody() {
		return nil, apperrors.ErrSend.WithMessage("email requires a text or html body")
	}
	if len(req.Recipients) == 0 {
		return nil, apperrors.ErrValidation.WithMessage("at least one recipient is required")
	}
	from := a.account.Credential(CredEmail)
	if from == "" {
		from = sender(a.account)
	}
	if from == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("outlook account requires an email address").
			WithDetail("account_id", a.account.ID)
	}
	id := uuid.New().String() + "@" + domainOf(from)
	msg := outboundMessage(a.account.ID, from, id, req)

	content := map[string]interface{}{"contentType": "Text", "content": req.TextBody}
	if req.HTMLBody != "" {
		content = map[string]interface{}{"contentType": "HTML", "content": req.HTMLBody}
	}
	gm := map[string]interface{}{
		"subject":           req.Subject,
		"body":              content,
		"toRecipients":      toGraphAddresses(req.Recipients),
		"internetMessageId": "<" + id + ">",
	}
	if cc, ok := req.Options["cc"].([]string); ok && len(cc) > 0 {
		gm["ccRecipients"] = toGraphAddresses(cc)
	}
	var atts []graphAttachment
	for _, att := range req.Attachments {
		if att.Content == nil {
			continue
		}
		atts = append(atts, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.MimeType,
			ContentBytes: att.Content,
		})
	}
	if len(atts) > 0 {
		gm["attachments"] = atts
	}
	body := map[string]interface{}{"message": gm, "saveToSentItems": true}

	err := a.client.Do(ctx, graphapi.Request{Method: http.MethodPost, Path: "me/sendMail", Body: body, Endpoint: endpointSend}, nil)
	if err != nil {
		metrics.IncOutboundSend(string(models.ChannelEmail), "error")
		_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
		return msg, err
	}

	metrics.IncOutboundSend(string(models.ChannelEmail), "sent")
	if err := msg.TransitionTo(models.StatusSent, time.Now().UTC()); err != nil {
		return nil, err
	}
	return msg, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}

var (
	_ channel.InboundAdapter  = (*OutlookAdapter)(nil)
	_ channel.OutboundAdapter = (*OutlookAdapter)(nil)
)
