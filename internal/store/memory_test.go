package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

func inbound(account, externalID, thread string, created time.Time) *models.CanonicalMessage {
	m := models.NewInboundMessage(models.ChannelEmail, account, created)
	m.ExternalID = externalID
	m.ThreadID = thread
	return m
}

func TestMemoryMessageStore_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	first := inbound("acc-1", "m1@example.com", "t1", time.Now())
	created, err := s.CreateIfAbsent(ctx, "m1@example.com", first)
	require.NoError(t, err)
	assert.True(t, created)

	dup := inbound("acc-1", "m1@example.com", "t2", time.Now())
	created, err = s.CreateIfAbsent(ctx, "m1@example.com", dup)
	require.NoError(t, err)
	assert.False(t, created)

	other := inbound("acc-2", "m1@example.com", "t3", time.Now())
	created, err = s.CreateIfAbsent(ctx, "m1@example.com", other)
	require.NoError(t, err)
	assert.True(t, created, "dedup keys are scoped per account")
	assert.Equal(t, 2, s.Len())

	got, err := s.GetByExternalID(ctx, "acc-1", "m1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)

	_, err = s.GetByExternalID(ctx, "acc-1", "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryMessageStore_Threads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	root := inbound("acc", "root@x", "thread-a", time.Now())
	_, err := s.CreateIfAbsent(ctx, "root@x", root)
	require.NoError(t, err)

	reply := inbound("acc", "reply@x", "thread-b", time.Now())
	reply.InReplyTo = "parent@x"
	_, err = s.CreateIfAbsent(ctx, "reply@x", reply)
	require.NoError(t, err)

	thread, err := s.ThreadOf(ctx, "acc", []string{"unknown@x", "root@x"})
	require.NoError(t, err)
	assert.Equal(t, "thread-a", thread)

	thread, err = s.ThreadOf(ctx, "other", []string{"root@x"})
	require.NoError(t, err)
	assert.Empty(t, thread)

	thread, err = s.ThreadReferencing(ctx, "acc", "parent@x")
	require.NoError(t, err)
	assert.Equal(t, "thread-b", thread)
}

func TestMemoryMessageStore_UpdateAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.CreateIfAbsent(ctx, id, inbound("acc", id, "", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	list, err := s.ListByAccount(ctx, "acc", base, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ExternalID)

	list[0].Priority = "high"
	require.NoError(t, s.Update(ctx, list[0]))
	got, err := s.GetByExternalID(ctx, "acc", "b")
	require.NoError(t, err)
	assert.Equal(t, "high", got.Priority)

	missing := inbound("acc", "z", "", base)
	assert.True(t, apperrors.IsNotFound(s.Update(ctx, missing)))
}

func TestMemoryWebhookEventStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryWebhookEventStore()

	ev := &models.WebhookEvent{EventID: "evt-1", ChannelAccountID: "acc", Channel: models.ChannelWhatsApp, EventType: "messages"}
	created, err := s.CreateIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingPending, got.ProcessingStatus)

	require.NoError(t, s.UpdateStatus(ctx, "evt-1", models.ProcessingFailed, "enqueue failed"))
	retryable, err := s.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.NotNil(t, retryable[0].ProcessedAt)

	require.NoError(t, s.MarkRetry(ctx, "evt-1"))
	got, err = s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.ProcessingPending, got.ProcessingStatus)

	require.NoError(t, s.UpdateStatus(ctx, "evt-1", models.ProcessingFailed, "again"))
	retryable, err = s.ListRetryable(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable, "events at the retry ceiling are not listed")

	assert.True(t, apperrors.IsNotFound(s.UpdateStatus(ctx, "nope", models.ProcessingProcessed, "")))
}

func TestMemoryAccountStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAccountStore(
		channel.Account{ID: "imap-1", Protocol: channel.ProtocolIMAP, IsActive: true, Credentials: map[string]string{"host": "mail"}},
		channel.Account{ID: "wa-1", Protocol: channel.ProtocolWhatsApp, IsActive: true},
		channel.Account{ID: "off", Protocol: channel.ProtocolIMAP},
	)

	active, err := s.ListActive(ctx, channel.ProtocolIMAP)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "imap-1", active[0].ID)

	active[0].Credentials["host"] = "mutated"
	got, err := s.Get(ctx, "imap-1")
	require.NoError(t, err)
	assert.Equal(t, "mail", got.Credential("host"))

	at := time.Now().UTC()
	require.NoError(t, s.RecordPoll(ctx, "imap-1", at, channel.AccountAuthError, "bad password"))
	got, err = s.Get(ctx, "imap-1")
	require.NoError(t, err)
	assert.Equal(t, channel.AccountAuthError, got.Status)
	assert.Equal(t, "bad password", got.LastError)
	require.NotNil(t, got.LastPollAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryTemplateStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTemplateStore()
	require.NoError(t, s.SaveTemplate(ctx, &models.EmailTemplate{ID: "tpl", AccountID: "acc", Subject: "Re: {{original_subject}}"}))

	tpl, err := s.GetTemplate(ctx, "acc", "tpl")
	require.NoError(t, err)
	assert.Equal(t, "Re: {{original_subject}}", tpl.Subject)

	_, err = s.GetTemplate(ctx, "other", "tpl")
	assert.True(t, apperrors.IsNotFound(err))
}
