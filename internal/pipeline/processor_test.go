package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/channel/channeltest"
	"switchboard/internal/channel/facebook"
	"switchboard/internal/config"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/rules"
	"switchboard/internal/store"
	"switchboard/internal/threading"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const (
	pageAccount = "page-acc"
	mailAccount = "mail-acc"
)

const messagePayload = `{"object":"page","entry":[{"id":"PAGE1","time":1710081015000,"messaging":[
  {"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1710081015000,
   "message":{"mid":"m_1","text":"what is the price"}}]}]}`

const receiptPayload = `{"object":"page","entry":[{"id":"PAGE1","time":1710081020000,"messaging":[
  {"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1710081020000,
   "delivery":{"mids":["m_OUT1"],"watermark":1710081020000}},
  {"sender":{"id":"PSID1"},"recipient":{"id":"PAGE1"},"timestamp":1710081021000,
   "read":{"watermark":1710081021000}}]}]}`

type fixture struct {
	processor *Processor
	events    *store.MemoryWebhookEventStore
	messages  *store.MemoryMessageStore
	chat      *channeltest.Recorder
	mail      *channeltest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	accounts := store.NewMemoryAccountStore(
		channel.Account{ID: pageAccount, Channel: models.ChannelFacebook, Protocol: channel.ProtocolFacebook, IsActive: true, Status: channel.AccountActive},
		channel.Account{ID: mailAccount, Channel: models.ChannelEmail, Protocol: channel.ProtocolIMAP, IsActive: true, Status: channel.AccountActive},
	)
	f := &fixture{
		events:   store.NewMemoryWebhookEventStore(),
		messages: store.NewMemoryMessageStore(),
		chat:     channeltest.NewRecorder(models.ChannelFacebook, pageAccount),
		mail:     channeltest.NewRecorder(models.ChannelEmail, mailAccount),
	}

	registry := channel.NewRegistry(channel.Dependencies{})
	registry.Register(channel.ProtocolFacebook, nil, func(channel.Account, channel.Dependencies) (channel.OutboundAdapter, error) {
		return f.chat, nil
	})
	registry.Register(channel.ProtocolSMTP, nil, func(channel.Account, channel.Dependencies) (channel.OutboundAdapter, error) {
		return f.mail, nil
	})

	ruleRepo := rules.NewMemoryRepository(
		models.Rule{ID: "r-price", AccountID: pageAccount, Name: "pricing", IsActive: true,
			ConditionType: models.ConditionBodyContains, ConditionValue: "price",
			ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "high"}},
		models.Rule{ID: "r-vip", AccountID: mailAccount, Name: "vip", IsActive: true,
			ConditionType: models.ConditionDomainEquals, ConditionValue: "example.com",
			ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "urgent"}},
	)
	ruleSvc := rules.NewService(ruleRepo, rules.NewEngine(nil, nil, nil, nil), config.RulesConfig{}, nil)
	require.NoError(t, ruleSvc.ReloadRules(ctx, true))

	flowStore := flows.NewMemoryStore(models.ConversationFlow{
		ID: "pricing", AccountID: pageAccount, Name: "Pricing", IsActive: true,
		FlowType: models.FlowTypeStandard, TriggerType: models.TriggerKeyword, TriggerValue: "price",
		Steps: map[string]models.FlowStep{
			"start": {Actions: []models.FlowAction{{Type: models.FlowActionSendText, Params: map[string]interface{}{"text": "Plans start at 10"}}}},
		},
	})
	flowEngine := flows.NewEngine(flowStore, nil, config.FlowsConfig{Enabled: true}, nil)
	require.NoError(t, flowEngine.Reload(ctx))

	f.processor = NewProcessor(Dependencies{
		Accounts: accounts,
		Registry: registry,
		Parsers:  map[channel.Protocol]channel.WebhookParser{channel.ProtocolFacebook: facebook.Parser{}},
		Events:   f.events,
		Messages: f.messages,
		Threader: threading.NewThreader(f.messages, nil),
		Dedup:    threading.NewDeduplicator(nil, f.messages, threading.DedupConfig{}, nil),
		Rules:    ruleSvc,
		Flows:    flowEngine,
		Logger:   logger.NopLogger(),
	})
	return f
}

func (f *fixture) webhook(t *testing.T, eventID, accountID, body string) *models.Envelope {
	t.Helper()
	_, err := f.events.CreateIfAbsent(context.Background(), &models.WebhookEvent{
		EventID: eventID, ChannelAccountID: accountID, Channel: models.ChannelFacebook,
		EventType: "message", RawPayload: []byte(body), ProcessingStatus: models.ProcessingPending,
	})
	require.NoError(t, err)

	env, err := models.NewEnvelopeBuilder(models.KindWebhookEvent).
		WithSource("gateway-service").
		WithAccount(models.ChannelFacebook, accountID).
		WithPayload(models.WebhookEventPayload{
			EventID: eventID, Channel: models.ChannelFacebook, AccountID: accountID,
			EventType: "message", Body: json.RawMessage(body),
		}).
		Build()
	require.NoError(t, err)
	return env
}

func (f *fixture) status(t *testing.T, eventID string) models.ProcessingStatus {
	t.Helper()
	ev, err := f.events.Get(context.Background(), eventID)
	require.NoError(t, err)
	return ev.ProcessingStatus
}

func TestWebhookMessageRunsRulesAndFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.HandleWebhookEvent(ctx, f.webhook(t, "evt-1", pageAccount, messagePayload)))
	assert.Equal(t, models.ProcessingProcessed, f.status(t, "evt-1"))

	stored, err := f.messages.GetByExternalID(ctx, pageAccount, "m_1")
	require.NoError(t, err)
	assert.Equal(t, "high", stored.Priority)
	assert.NotEmpty(t, stored.ThreadID)

	req, ok := f.chat.Last()
	require.True(t, ok)
	assert.Equal(t, "Plans start at 10", req.TextBody)
	assert.Equal(t, []string{"PSID1"}, req.Recipients)
	assert.Equal(t, 2, f.messages.Len(), "the flow reply is stored next to the inbound message")
}

func TestWebhookRedeliveryIsHandledOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.webhook(t, "evt-1", pageAccount, messagePayload)

	require.NoError(t, f.processor.HandleWebhookEvent(ctx, env))
	require.NoError(t, f.processor.HandleWebhookEvent(ctx, env))

	assert.Len(t, f.chat.Requests(), 1)
	assert.Equal(t, 2, f.messages.Len())
}

func TestWebhookSameMessageInNewEventIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.HandleWebhookEvent(ctx, f.webhook(t, "evt-1", pageAccount, messagePayload)))
	require.NoError(t, f.processor.HandleWebhookEvent(ctx, f.webhook(t, "evt-2", pageAccount, messagePayload)))

	assert.Equal(t, models.ProcessingIgnored, f.status(t, "evt-2"))
	assert.Len(t, f.chat.Requests(), 1)
}

func TestDeliveryAndReadReceiptsAdvanceOutboundMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := models.NewOutboundMessage(models.ChannelFacebook, pageAccount)
	out.ExternalID = "m_OUT1"
	out.RecipientIdentifiers = []string{"PSID1"}
	out.Timestamps.Created = time.UnixMilli(1710081010000).UTC()
	require.NoError(t, out.TransitionTo(models.StatusSent, out.Timestamps.Created))

	other := models.NewOutboundMessage(models.ChannelFacebook, pageAccount)
	other.ExternalID = "m_OUT2"
	other.RecipientIdentifiers = []string{"PSID2"}
	other.Timestamps.Created = out.Timestamps.Created
	require.NoError(t, other.TransitionTo(models.StatusSent, other.Timestamps.Created))

	for _, m := range []*models.CanonicalMessage{out, other} {
		_, err := f.messages.CreateIfAbsent(ctx, threading.Key(m), m)
		require.NoError(t, err)
	}

	require.NoError(t, f.processor.HandleWebhookEvent(ctx, f.webhook(t, "evt-r", pageAccount, receiptPayload)))
	assert.Equal(t, models.ProcessingProcessed, f.status(t, "evt-r"))

	got, err := f.messages.GetByExternalID(ctx, pageAccount, "m_OUT1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)

	untouched, err := f.messages.GetByExternalID(ctx, pageAccount, "m_OUT2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, untouched.Status, "read receipts only apply to the reader's messages")
}

func TestStatusForUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.HandleWebhookEvent(ctx, f.webhook(t, "evt-r", pageAccount, receiptPayload)))
	assert.Equal(t, models.ProcessingIgnored, f.status(t, "evt-r"))
}

func TestWebhookForUnknownAccountIsIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.processor.HandleWebhookEvent(context.Background(), f.webhook(t, "evt-x", "gone", messagePayload)))
	assert.Equal(t, models.ProcessingIgnored, f.status(t, "evt-x"))
	assert.Zero(t, f.messages.Len())
}

func TestWebhookUnparseableBodyIsFatal(t *testing.T) {
	f := newFixture(t)

	err := f.processor.HandleWebhookEvent(context.Background(), f.webhook(t, "evt-bad", pageAccount, `{"object":"instagram","entry":[]}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatalError(err))
	assert.Equal(t, models.ProcessingFailed, f.status(t, "evt-bad"))
}

func TestWebhookMalformedEnvelopeIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrongKind, err := models.NewEnvelopeBuilder(models.KindConfigUpdate).
		WithSource("gateway-service").
		WithPayload(map[string]string{"action": "reload"}).
		Build()
	require.NoError(t, err)
	assert.True(t, apperrors.IsFatalError(f.processor.HandleWebhookEvent(ctx, wrongKind)))

	garbled := &models.Envelope{ID: "env-1", Kind: models.KindWebhookEvent, Source: "gateway-service",
		Timestamp: time.Now(), Payload: json.RawMessage(`"not an object"`)}
	assert.True(t, apperrors.IsFatalError(f.processor.HandleWebhookEvent(ctx, garbled)))
}

func polledEnvelope(t *testing.T, msg *models.CanonicalMessage) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder(models.KindInboundMessage).
		WithSource("poller-service").
		WithAccount(msg.ChannelType, msg.AccountID).
		WithPayload(models.InboundMessagePayload{Message: *msg}).
		Build()
	require.NoError(t, err)
	return env
}

func TestInboundMessageIsThreadedAndDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := models.NewInboundMessage(models.ChannelEmail, mailAccount, time.Now().UTC())
	msg.ExternalID = "<a1@example.com>"
	msg.SenderIdentifier = "ceo@example.com"
	msg.Subject = "Quarterly numbers"
	msg.ContentText = "see attached"

	require.NoError(t, f.processor.HandleInboundMessage(ctx, polledEnvelope(t, msg)))
	stored, err := f.messages.GetByExternalID(ctx, mailAccount, "<a1@example.com>")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ThreadID)
	assert.Equal(t, "urgent", stored.Priority)

	require.NoError(t, f.processor.HandleInboundMessage(ctx, polledEnvelope(t, msg)))
	assert.Equal(t, 1, f.messages.Len())
	assert.Empty(t, f.chat.Requests(), "flows never run for email")
}

func TestInboundMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := models.NewInboundMessage(models.ChannelEmail, mailAccount, time.Now())
	msg.InternalID = ""
	assert.True(t, apperrors.IsFatalError(f.processor.HandleInboundMessage(ctx, polledEnvelope(t, msg))))

	unknown := models.NewInboundMessage(models.ChannelEmail, "gone", time.Now())
	unknown.ExternalID = "<x@example.com>"
	assert.NoError(t, f.processor.HandleInboundMessage(ctx, polledEnvelope(t, unknown)))
	assert.Zero(t, f.messages.Len())
}

func TestProfileSourceUsesAdapterLookup(t *testing.T) {
	accounts := store.NewMemoryAccountStore(channel.Account{ID: mailAccount, Channel: models.ChannelEmail, Protocol: channel.ProtocolSMTP, IsActive: true})
	registry := channel.NewRegistry(channel.Dependencies{})
	registry.Register(channel.ProtocolSMTP, nil, func(channel.Account, channel.Dependencies) (channel.OutboundAdapter, error) {
		return channeltest.NewRecorder(models.ChannelEmail, mailAccount), nil
	})

	_, err := NewProfileSource(accounts, registry).Profile(context.Background(), mailAccount, "someone")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	_, err = NewProfileSource(accounts, registry).Profile(context.Background(), "gone", "someone")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBounceNoticeMarksOriginalBounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := models.NewOutboundMessage(models.ChannelEmail, mailAccount)
	out.ExternalID = "<reply-1@acme.test>"
	out.RecipientIdentifiers = []string{"gone@example.com"}
	require.NoError(t, out.TransitionTo(models.StatusSent, time.Now().UTC()))
	_, err := f.messages.CreateIfAbsent(ctx, threading.Key(out), out)
	require.NoError(t, err)

	notice := models.NewInboundMessage(models.ChannelEmail, mailAccount, time.Now().UTC())
	notice.ExternalID = "<dsn-1@mx.example.com>"
	notice.SenderIdentifier = "MAILER-DAEMON@mx.example.com"
	notice.Subject = "Undelivered Mail Returned to Sender"
	notice.References = []string{"<reply-1@acme.test>"}
	notice.RawHeaders = map[string]string{
		"Content-Type":        "multipart/report; report-type=delivery-status; boundary=x",
		"X-Failed-Recipients": "gone@example.com",
	}

	require.NoError(t, f.processor.HandleInboundMessage(ctx, polledEnvelope(t, notice)))

	got, err := f.messages.GetByExternalID(ctx, mailAccount, "<reply-1@acme.test>")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBounced, got.Status)
	assert.Equal(t, "DSN", got.ErrorCode)
	assert.Equal(t, "Undelivered Mail Returned to Sender (gone@example.com)", got.ErrorMessage)
}

func TestIsBounceNotice(t *testing.T) {
	plain := models.NewInboundMessage(models.ChannelEmail, mailAccount, time.Now())
	plain.SenderIdentifier = "ana@example.com"
	assert.False(t, isBounceNotice(plain))

	daemon := models.NewInboundMessage(models.ChannelEmail, mailAccount, time.Now())
	daemon.SenderIdentifier = "postmaster@example.com"
	assert.True(t, isBounceNotice(daemon))

	chat := models.NewInboundMessage(models.ChannelFacebook, pageAccount, time.Now())
	chat.SenderIdentifier = "postmaster@example.com"
	assert.False(t, isBounceNotice(chat))
}
