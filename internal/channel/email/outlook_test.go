package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
	"switchboard/pkg/retry"
)

type fakeOutlook struct {
	tokenStatus int
	refreshes   int32
	marked      int32
	sent        map[string]interface{}
}

func (f *fakeOutlook) handler(t *testing.T) http.HandlerFunc {
	list := `{"value":[{
		"id":"AAMk1",
		"internetMessageId":"<o-1@example.com>",
		"conversationId":"conv-1",
		"subject":"Invoice",
		"receivedDateTime":"2026-10-18T09:30:00Z",
		"from":{"emailAddress":{"name":"Ana","address":"Ana@Example.com"}},
		"toRecipients":[{"emailAddress":{"address":"me@acme.test"}}],
		"body":{"contentType":"html","content":"<p>see attached</p>"},
		"hasAttachments":true,
		"internetMessageHeaders":[{"name":"In-Reply-To","value":"<root@acme.test>"},{"name":"References","value":"<root@acme.test> <mid@acme.test>"}]
	}]}`
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/token":
			atomic.AddInt32(&f.refreshes, 1)
			if f.tokenStatus != 0 {
				w.WriteHeader(f.tokenStatus)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
		case r.URL.Path == "/me/mailFolders/inbox/messages":
			assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
			assert.True(t, strings.HasPrefix(r.URL.Query().Get("$filter"), "isRead eq false and receivedDateTime ge "))
			_, _ = w.Write([]byte(list))
		case r.URL.Path == "/me/messages/AAMk1/attachments":
			body, _ := json.Marshal(map[string]interface{}{"value": []map[string]interface{}{{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         "invoice.pdf",
				"contentType":  "application/pdf",
				"size":         3,
				"contentBytes": base64.StdEncoding.EncodeToString([]byte("pdf")),
			}}})
			_, _ = w.Write(body)
		case r.URL.Path == "/me/messages/AAMk1" && r.Method == http.MethodPatch:
			var patch map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			assert.Equal(t, true, patch["isRead"])
			atomic.AddInt32(&f.marked, 1)
			_, _ = w.Write([]byte(`{}`))
		case r.URL.Path == "/me/sendMail":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&f.sent))
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newOutlook(t *testing.T, f *fakeOutlook) *OutlookAdapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	acc := channel.Account{
		ID:       "outlook-1",
		Channel:  models.ChannelEmail,
		Protocol: channel.ProtocolOutlook,
		Credentials: map[string]string{
			CredClientID:     "cid",
			CredClientSecret: "secret",
			CredRefreshToken: "refresh",
			CredEmail:        "me@acme.test",
		},
	}
	deps := channel.Dependencies{
		Config: config.ChannelsConfig{Email: config.EmailConfig{
			Outlook: config.GmailConfig{APIBaseURL: srv.URL, TokenURL: srv.URL + "/token", Timeout: 5 * time.Second},
		}},
		Logger: logger.NopLogger(),
	}
	a, err := NewOutlookAdapter(context.Background(), acc, deps)
	require.NoError(t, err)
	return a.WithPolicy(retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2})
}

func TestOutlookPollMapsGraphMessage(t *testing.T) {
	f := &fakeOutlook{}
	a := newOutlook(t, f)
	sink := &collectingSink{}

	res, err := a.Poll(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesProcessed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.refreshes))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.marked))

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.Equal(t, "o-1@example.com", msg.ExternalID)
	assert.Equal(t, "ana@example.com", msg.SenderIdentifier)
	assert.Equal(t, "Ana", msg.SenderName)
	assert.Equal(t, []string{"me@acme.test"}, msg.RecipientIdentifiers)
	assert.Equal(t, "<p>see attached</p>", msg.ContentHTML)
	assert.Equal(t, "root@acme.test", msg.InReplyTo)
	assert.Equal(t, []string{"root@acme.test", "mid@acme.test"}, msg.References)
	assert.Equal(t, "AAMk1", msg.RawHeaders["X-Outlook-Id"])
	assert.Equal(t, "conv-1", msg.RawHeaders["X-Outlook-Conversation-Id"])
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC), msg.Timestamps.Created)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "invoice.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, []byte("pdf"), msg.Attachments[0].Content)
}

func TestOutlookLeavesMessageUnreadWhenSinkRejects(t *testing.T) {
	f := &fakeOutlook{}
	a := newOutlook(t, f)

	res, err := a.Poll(context.Background(), &collectingSink{fail: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesFailed)
	assert.Zero(t, atomic.LoadInt32(&f.marked))
}

func TestOutlookRefreshFailureIsAuthenticationError(t *testing.T) {
	a := newOutlook(t, &fakeOutlook{tokenStatus: http.StatusBadRequest})

	_, err := a.Poll(context.Background(), &collectingSink{})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
}

func TestOutlookSendUsesSendMail(t *testing.T) {
	f := &fakeOutlook{}
	a := newOutlook(t, f)

	msg, err := a.Send(context.Background(), channel.SendRequest{
		Recipients:  []string{"ana@example.com"},
		Subject:     "Re: Invoice",
		HTMLBody:    "<p>thanks</p>",
		Attachments: []models.Attachment{{Filename: "a.txt", MimeType: "text/plain", Content: []byte("hi")}},
		Options:     map[string]interface{}{"in_reply_to": "<o-1@example.com>"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.True(t, strings.HasSuffix(msg.ExternalID, "@acme.test"))
	assert.Equal(t, "o-1@example.com", msg.InReplyTo)

	require.NotNil(t, f.sent)
	assert.Equal(t, true, f.sent["saveToSentItems"])
	gm := f.sent["message"].(map[string]interface{})
	assert.Equal(t, "Re: Invoice", gm["subject"])
	assert.Equal(t, "<"+msg.ExternalID+">", gm["internetMessageId"])
	assert.Equal(t, "HTML", gm["body"].(map[string]interface{})["contentType"])
	to := gm["toRecipients"].([]interface{})
	require.Len(t, to, 1)
	assert.Equal(t, "ana@example.com", to[0].(map[string]interface{})["emailAddress"].(map[string]interface{})["address"])
	atts := gm["attachments"].([]interface{})
	require.Len(t, atts, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), atts[0].(map[string]interface{})["contentBytes"])
}

func TestOutlookRequiresToken(t *testing.T) {
	_, err := NewOutlookAdapter(context.Background(), channel.Account{ID: "o-2"}, channel.Dependencies{})
	assert.True(t, apperrors.IsConfiguration(err))
}
