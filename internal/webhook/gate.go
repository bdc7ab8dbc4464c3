// Package webhook verifies and admits provider push notifications. The
// synchronous path is verify, admit, enqueue; processing happens downstream.
package webhook

import (
	"context"
	"net/http"
	"time"

	"switchboard/internal/broker"
	"switchboard/internal/channel"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/store"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	ModeSubscribe = "subscribe"

	OutcomeAdmitted  = "admitted"
	OutcomeDuplicate = "duplicate"
	OutcomeDeferred  = "enqueue_failed"
)

type Gate struct {
	accounts channel.CredentialSource
	events   store.WebhookEventStore
	enqueuer *Enqueuer
	parsers  map[channel.Protocol]channel.WebhookParser
	logger   logger.Logger
}

func NewGate(accounts channel.CredentialSource, events store.WebhookEventStore, enqueuer *Enqueuer,
	parsers map[channel.Protocol]channel.WebhookParser, log logger.Logger) *Gate {
	return &Gate{
		accounts: accounts,
		events:   events,
		enqueuer: enqueuer,
		parsers:  parsers,
		logger:   log,
	}
}

// Admission describes an acknowledged notification.
type Admission struct {
	EventID   string
	EventType string
	Outcome   string
}

func (g *Gate) account(ctx context.Context, protocol, accountID string) (*channel.Account, channel.WebhookParser, error) {
	parser, ok := g.parsers[channel.Protocol(protocol)]
	if !ok {
		return nil, nil, apperrors.ErrNotFound.WithMessage("unsupported webhook channel").WithDetail("channel", protocol)
	}
	account, err := g.accounts.Get(ctx, accountID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil, apperrors.ErrNotFound.WithMessage("channel account not found").WithDetail("account_id", accountID)
		}
		return nil, nil, apperrors.ErrServiceUnavailable.WithCause(err)
	}
	if string(account.Protocol) != protocol || !account.IsActive {
		return nil, nil, apperrors.ErrNotFound.WithMessage("channel account not found").WithDetail("account_id", accountID)
	}
	return account, parser, nil
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo, or ErrForbidden. Nothing is recorded either way.
func (g *Gate) VerifyChallenge(ctx context.Context, protocol, accountID, mode, token, challenge string) (string, error) {
	account, _, err := g.account(ctx, protocol, accountID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", apperrors.ErrForbidden.WithMessage("verification failed")
		}
		return "", err
	}
	if mode != ModeSubscribe || account.VerifyToken == "" || token != account.VerifyToken {
		g.logger.WarnwCtx(ctx, "Webhook verification rejected", "channel", protocol, "account_id", accountID, "mode", mode)
		return "", apperrors.ErrForbidden.WithMessage("verification failed")
	}
	g.logger.InfowCtx(ctx, "Webhook subscription verified", "channel", protocol, "account_id", accountID)
	return challenge, nil
}

// Admit verifies the signature over the raw body, records the event once and
// enqueues it. Enqueue failures mark the event failed but still acknowledge,
// leaving the retry sweep to re-enqueue.
func (g *Gate) Admit(ctx context.Context, protocol, accountID string, headers http.Header, body []byte) (*Admission, error) {
	start := time.Now()
	ctx = logging.WithChannel(logging.WithAccountID(ctx, accountID), protocol)

	account, parser, err := g.account(ctx, protocol, accountID)
	if err != nil {
		metrics.IncWebhookRequest(protocol, "unknown_account")
		return nil, err
	}

	if err := Verify(account.WebhookSecret, body, SignatureFromHeaders(headers)); err != nil {
		metrics.IncWebhookRequest(protocol, "bad_signature")
		g.logger.WarnwCtx(ctx, "Webhook signature rejected", "error", err)
		return nil, err
	}

	key, err := parser.Identify(body)
	if err != nil {
		metrics.IncWebhookRequest(protocol, "malformed")
		return nil, apperrors.ErrValidation.WithMessage("malformed webhook payload").WithCause(err)
	}

	eventID := key.ID(body)
	ctx = logging.WithMessageID(ctx, eventID)
	event := &models.WebhookEvent{
		EventID:          eventID,
		ChannelAccountID: account.ID,
		Channel:          account.Channel,
		EventType:        key.EventType,
		RawPayload:       body,
		ProcessingStatus: models.ProcessingPending,
		CreatedAt:        time.Now().UTC(),
	}

	created, err := g.events.CreateIfAbsent(ctx, event)
	if err != nil {
		metrics.IncWebhookRequest(protocol, "store_error")
		return nil, apperrors.ErrServiceUnavailable.WithMessage("failed to record webhook event").WithCause(err)
	}
	admission := &Admission{EventID: eventID, EventType: key.EventType, Outcome: OutcomeAdmitted}
	if !created {
		admission.Outcome = OutcomeDuplicate
		metrics.IncWebhookRequest(protocol, OutcomeDuplicate)
		g.logger.DebugwCtx(ctx, "Duplicate webhook event acknowledged", "event_type", key.EventType)
		return admission, nil
	}

	if err := g.enqueuer.Enqueue(ctx, event); err != nil {
		admission.Outcome = OutcomeDeferred
		g.logger.ErrorwCtx(ctx, "Failed to enqueue webhook event", "error", err)
		if uerr := g.events.UpdateStatus(ctx, eventID, models.ProcessingFailed, err.Error()); uerr != nil {
			g.logger.ErrorwCtx(ctx, "Failed to mark webhook event failed", "error", uerr)
		}
	}

	metrics.IncWebhookRequest(protocol, admission.Outcome)
	metrics.ObserveWebhookAdmission(protocol, time.Since(start))
	return admission, nil
}

// Enqueuer publishes recorded events to the webhook topic.
type Enqueuer struct {
	producer broker.Producer
	topic    string
	timeout  time.Duration
}

func NewEnqueuer(producer broker.Producer, topic string, timeout time.Duration) *Enqueuer {
	if timeout <= 0 {
		timeout = constants.DefaultEnqueueTimeout
	}
	return &Enqueuer{producer: producer, topic: topic, timeout: timeout}
}

// Enqueue publishes the event within the enqueue timeout. The envelope id is
// the event id so redeliveries stay recognisable downstream.
func (e *Enqueuer) Enqueue(ctx context.Context, event *models.WebhookEvent) error {
	env, err := models.NewEnvelopeBuilder(models.KindWebhookEvent).
		WithID(event.EventID).
		WithSource(constants.ServiceGateway).
		WithAccount(event.Channel, event.ChannelAccountID).
		WithTraceID(logging.GetTraceID(ctx)).
		WithPayload(models.WebhookEventPayload{
			EventID:   event.EventID,
			Channel:   event.Channel,
			AccountID: event.ChannelAccountID,
			EventType: event.EventType,
			Body:      event.RawPayload,
		}).
		Build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.producer.Publish(ctx, e.topic, env)
}
