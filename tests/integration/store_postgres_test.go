//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/store"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

func TestAccountStore_UpsertAndGet(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	accounts := store.NewPostgresAccountStore(infra.PostgresDB)
	ctx := context.Background()

	account := createTestAccount("acc-1", channel.ProtocolIMAP, models.ChannelEmail)
	require.NoError(t, accounts.Upsert(ctx, account))

	got, err := accounts.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, account.Name, got.Name)
	assert.Equal(t, channel.ProtocolIMAP, got.Protocol)
	assert.Equal(t, models.ChannelEmail, got.Channel)
	assert.Equal(t, "secret-acc-1", got.Credentials["token"])
	assert.Equal(t, "whsec-acc-1", got.WebhookSecret)
	assert.Equal(t, 5*time.Minute, got.PollFrequency)
	assert.Equal(t, channel.AccountActive, got.Status)
	assert.Nil(t, got.LastPollAt)

	account.Name = "renamed"
	require.NoError(t, accounts.Upsert(ctx, account))
	got, err = accounts.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = accounts.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAccountStore_ListActiveFiltersByProtocol(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	accounts := store.NewPostgresAccountStore(infra.PostgresDB)
	ctx := context.Background()

	inactive := createTestAccount("acc-3", channel.ProtocolIMAP, models.ChannelEmail)
	inactive.IsActive = false
	for _, a := range []channel.Account{
		createTestAccount("acc-1", channel.ProtocolIMAP, models.ChannelEmail),
		createTestAccount("acc-2", channel.ProtocolFacebook, models.ChannelFacebook),
		inactive,
	} {
		require.NoError(t, accounts.Upsert(ctx, a))
	}

	all, err := accounts.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acc-1", all[0].ID)
	assert.Equal(t, "acc-2", all[1].ID)

	imap, err := accounts.ListActive(ctx, channel.ProtocolIMAP, channel.ProtocolGmail)
	require.NoError(t, err)
	require.Len(t, imap, 1)
	assert.Equal(t, "acc-1", imap[0].ID)
}

func TestAccountStore_RecordPoll(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	accounts := store.NewPostgresAccountStore(infra.PostgresDB)
	ctx := context.Background()

	require.NoError(t, accounts.Upsert(ctx, createTestAccount("acc-1", channel.ProtocolIMAP, models.ChannelEmail)))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, accounts.RecordPoll(ctx, "acc-1", at, channel.AccountAuthError, "invalid credentials"))

	got, err := accounts.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastPollAt)
	assert.True(t, at.Equal(*got.LastPollAt))
	assert.Equal(t, channel.AccountAuthError, got.Status)
	assert.Equal(t, "invalid credentials", got.LastError)
	assert.False(t, got.DuePoll(at.Add(time.Hour), time.Minute))

	err = accounts.RecordPoll(ctx, "missing", at, channel.AccountActive, "")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestWebhookEventStore_CreateIfAbsent(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	events := store.NewPostgresWebhookEventStore(infra.PostgresDB)
	ctx := context.Background()

	ev := &models.WebhookEvent{
		EventID:          newEventID(),
		ChannelAccountID: "acc-1",
		Channel:          models.ChannelFacebook,
		EventType:        "message",
		RawPayload:       []byte(`{"object":"page"}`),
	}

	created, err := events.CreateIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = events.CreateIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := events.Get(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingPending, got.ProcessingStatus)
	assert.JSONEq(t, `{"object":"page"}`, string(got.RawPayload))
	assert.Nil(t, got.ProcessedAt)
}

func TestWebhookEventStore_StatusAndRetry(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	events := store.NewPostgresWebhookEventStore(infra.PostgresDB)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ev := &models.WebhookEvent{
			EventID:          newEventID(),
			ChannelAccountID: "acc-1",
			Channel:          models.ChannelWhatsApp,
			EventType:        "message",
			RawPayload:       []byte(`{}`),
		}
		_, err := events.CreateIfAbsent(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, ev.EventID)
		time.Sleep(timestampDelay)
	}

	require.NoError(t, events.UpdateStatus(ctx, ids[0], models.ProcessingFailed, "boom"))
	require.NoError(t, events.UpdateStatus(ctx, ids[1], models.ProcessingFailed, "boom"))
	require.NoError(t, events.UpdateStatus(ctx, ids[2], models.ProcessingProcessed, ""))

	got, err := events.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.NotNil(t, got.ProcessedAt)

	retryable, err := events.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	assert.Equal(t, ids[0], retryable[0].EventID)
	assert.Equal(t, ids[1], retryable[1].EventID)

	require.NoError(t, events.MarkRetry(ctx, ids[0]))
	got, err = events.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingPending, got.ProcessingStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ProcessedAt)

	require.NoError(t, events.UpdateStatus(ctx, ids[0], models.ProcessingFailed, "boom again"))
	retryable, err = events.ListRetryable(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, ids[1], retryable[0].EventID)

	assert.True(t, apperrors.IsNotFound(events.UpdateStatus(ctx, "missing", models.ProcessingFailed, "")))
	assert.True(t, apperrors.IsNotFound(events.MarkRetry(ctx, "missing")))
}

func TestMessageStore_CreateIfAbsentDeduplicates(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	messages := store.NewPostgresMessageStore(infra.PostgresDB)
	ctx := context.Background()

	msg := createTestMessage("acc-1", "<a1@example.com>", "thread-1")
	msg.Attachments = []models.Attachment{{Filename: "quote.pdf", MimeType: "application/pdf", SizeBytes: 512}}

	created, err := messages.CreateIfAbsent(ctx, "acc-1:<a1@example.com>", msg)
	require.NoError(t, err)
	assert.True(t, created)

	again := createTestMessage("acc-1", "<a1@example.com>", "thread-1")
	created, err = messages.CreateIfAbsent(ctx, "acc-1:<a1@example.com>", again)
	require.NoError(t, err)
	assert.False(t, created)

	other := createTestMessage("acc-2", "<a1@example.com>", "thread-9")
	created, err = messages.CreateIfAbsent(ctx, "acc-1:<a1@example.com>", other)
	require.NoError(t, err)
	assert.True(t, created, "dedup keys are scoped to the account")

	got, err := messages.GetByExternalID(ctx, "acc-1", "<a1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, msg.InternalID, got.InternalID)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, models.DirectionInbound, got.Direction)
	assert.Equal(t, []string{"support@example.com"}, got.RecipientIdentifiers)
	assert.Equal(t, "<a1@example.com>", got.RawHeaders["Message-ID"])
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "quote.pdf", got.Attachments[0].Filename)

	_, err = messages.GetByExternalID(ctx, "acc-1", "<missing@example.com>")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMessageStore_UpdateAndList(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	messages := store.NewPostgresMessageStore(infra.PostgresDB)
	ctx := context.Background()

	first := createTestMessage("acc-1", "<a1@example.com>", "thread-1")
	_, err := messages.CreateIfAbsent(ctx, "k1", first)
	require.NoError(t, err)
	time.Sleep(timestampDelay)

	second := models.NewOutboundMessage(models.ChannelEmail, "acc-1")
	second.ExternalID = "<out1@example.com>"
	second.ThreadID = "thread-1"
	second.RecipientIdentifiers = []string{"alice@example.com"}
	second.ContentText = "Plans start at 10"
	_, err = messages.CreateIfAbsent(ctx, "k2", second)
	require.NoError(t, err)

	sent := time.Now().UTC().Truncate(time.Millisecond)
	second.Status = models.StatusSent
	second.Timestamps.Sent = &sent
	second.Priority = "high"
	require.NoError(t, messages.Update(ctx, second))

	list, err := messages.ListByAccount(ctx, "acc-1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.InternalID, list[0].InternalID)
	assert.Equal(t, models.StatusSent, list[0].Status)
	assert.Equal(t, "high", list[0].Priority)
	require.NotNil(t, list[0].Timestamps.Sent)
	assert.True(t, sent.Equal(*list[0].Timestamps.Sent))
	assert.Equal(t, first.InternalID, list[1].InternalID)

	none, err := messages.ListByAccount(ctx, "acc-1", time.Now().Add(time.Hour), time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessageStore_ThreadLookups(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	messages := store.NewPostgresMessageStore(infra.PostgresDB)
	ctx := context.Background()

	root := createTestMessage("acc-1", "<root@example.com>", "thread-root")
	_, err := messages.CreateIfAbsent(ctx, "root", root)
	require.NoError(t, err)

	reply := createTestMessage("acc-1", "<reply@example.com>", "thread-root")
	reply.InReplyTo = "<root@example.com>"
	reply.References = []string{"<root@example.com>"}
	_, err = messages.CreateIfAbsent(ctx, "reply", reply)
	require.NoError(t, err)

	thread, err := messages.ThreadOf(ctx, "acc-1", []string{"<unknown@example.com>", "<reply@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, "thread-root", thread)

	thread, err = messages.ThreadOf(ctx, "acc-2", []string{"<reply@example.com>"})
	require.NoError(t, err)
	assert.Empty(t, thread)

	thread, err = messages.ThreadOf(ctx, "acc-1", nil)
	require.NoError(t, err)
	assert.Empty(t, thread)

	thread, err = messages.ThreadReferencing(ctx, "acc-1", "<root@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "thread-root", thread)

	thread, err = messages.ThreadReferencing(ctx, "acc-1", "<nobody@example.com>")
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestTemplateStore_SaveAndGet(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	templates := store.NewPostgresTemplateStore(infra.PostgresDB)
	ctx := context.Background()

	tmpl := &models.EmailTemplate{
		ID:        "tmpl-1",
		AccountID: "acc-1",
		Name:      "ack",
		Subject:   "Re: {{subject}}",
		BodyText:  "Hi {{sender_name}}, we got your message.",
	}
	require.NoError(t, templates.SaveTemplate(ctx, tmpl))

	got, err := templates.GetTemplate(ctx, "acc-1", "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Subject, got.Subject)
	assert.Equal(t, tmpl.BodyText, got.BodyText)

	tmpl.BodyText = "Thanks {{sender_name}}."
	require.NoError(t, templates.SaveTemplate(ctx, tmpl))
	got, err = templates.GetTemplate(ctx, "acc-1", "tmpl-1")
	require.NoError(t, err)
	assert.Equal(t, "Thanks {{sender_name}}.", got.BodyText)

	_, err = templates.GetTemplate(ctx, "acc-2", "tmpl-1")
	assert.True(t, apperrors.IsNotFound(err))
}
