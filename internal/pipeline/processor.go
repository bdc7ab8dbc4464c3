// Package pipeline turns queued webhook events and polled messages into stored,
// threaded messages and runs the rule and flow engines on them.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/rules"
	"switchboard/internal/store"
	"switchboard/internal/threading"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/result"
	"switchboard/pkg/tracing"
)

const readReceiptLookback = 7 * 24 * time.Hour

// RuleApplier runs an account's rules against one inbound message.
type RuleApplier interface {
	Apply(ctx context.Context, msg *models.CanonicalMessage, out rules.Outbound) []result.Result[rules.Outcome]
}

// FlowHandler advances conversation flows for chat events.
type FlowHandler interface {
	Handle(ctx context.Context, accountID string, ev channel.Event, out channel.OutboundAdapter) result.Result[flows.Transition]
}

type Dependencies struct {
	Accounts channel.CredentialSource
	Registry *channel.Registry
	Parsers  map[channel.Protocol]channel.WebhookParser
	Events   store.WebhookEventStore
	Messages store.MessageStore
	Threader *threading.Threader
	Dedup    *threading.Deduplicator
	Rules    RuleApplier
	// Flows is optional; without it chat events only go through the rules.
	Flows  FlowHandler
	Logger logger.Logger
}

type Processor struct {
	deps   Dependencies
	logger logger.Logger
	now    func() time.Time
}

func NewProcessor(deps Dependencies) *Processor {
	log := deps.Logger
	if log == nil {
		log = logger.NopLogger()
	}
	return &Processor{deps: deps, logger: log, now: time.Now}
}

// HandleWebhookEvent processes one admitted webhook notification. Events that
// were already processed or ignored are acknowledged without work, so a
// notification delivered twice is handled once.
func (p *Processor) HandleWebhookEvent(ctx context.Context, env *models.Envelope) (err error) {
	start := p.now()
	status := string(models.ProcessingProcessed)
	defer func() {
		if err != nil {
			status = "error"
		}
		metrics.ObservePipelineDuration(string(models.KindWebhookEvent), status, time.Since(start))
	}()

	if env.Kind != models.KindWebhookEvent {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("unexpected envelope kind %q", env.Kind)).AsFatal()
	}
	var payload models.WebhookEventPayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperrors.ErrValidation.WithMessage("malformed webhook event payload").WithCause(err).AsFatal()
	}

	ctx = logging.WithMessageID(logging.WithChannel(logging.WithAccountID(ctx, payload.AccountID), string(payload.Channel)), payload.EventID)
	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.webhook_event")
	defer span.End()

	recorded, err := p.deps.Events.Get(ctx, payload.EventID)
	switch {
	case apperrors.IsNotFound(err):
		p.logger.WarnwCtx(ctx, "Webhook event not recorded, processing anyway")
	case err != nil:
		return apperrors.ErrServiceUnavailable.WithMessage("failed to load webhook event").WithCause(err)
	case recorded.ProcessingStatus == models.ProcessingProcessed || recorded.ProcessingStatus == models.ProcessingIgnored:
		status = "duplicate"
		p.logger.DebugwCtx(ctx, "Webhook event already handled", "status", recorded.ProcessingStatus)
		return nil
	}

	account, err := p.deps.Accounts.Get(ctx, payload.AccountID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			status = string(models.ProcessingIgnored)
			p.finish(ctx, payload.EventID, models.ProcessingIgnored, "channel account not found")
			return nil
		}
		return apperrors.ErrServiceUnavailable.WithMessage("failed to load channel account").WithCause(err)
	}

	parser, ok := p.deps.Parsers[account.Protocol]
	if !ok {
		status = string(models.ProcessingIgnored)
		p.finish(ctx, payload.EventID, models.ProcessingIgnored, fmt.Sprintf("no webhook parser for %s", account.Protocol))
		return nil
	}
	events, err := parser.Parse(account.ID, payload.Body)
	if err != nil {
		status = string(models.ProcessingFailed)
		p.finish(ctx, payload.EventID, models.ProcessingFailed, err.Error())
		return apperrors.ErrValidation.WithMessage("unparseable webhook body").WithCause(err).AsFatal()
	}

	p.finish(ctx, payload.EventID, models.ProcessingProcessing, "")
	out := p.outbound(ctx, account)

	var failures []string
	handled := 0
	for _, ev := range events {
		res := p.handleEvent(ctx, account, ev, out)
		switch {
		case res.IsFailed():
			failures = append(failures, res.Err().Error())
			p.logger.ErrorwCtx(ctx, "Webhook item failed", "event_kind", ev.Kind, "error", res.Err())
		case res.IsOk():
			handled++
		default:
			p.logger.DebugwCtx(ctx, "Webhook item ignored", "event_kind", ev.Kind, "reason", res.Reason())
		}
	}

	switch {
	case len(failures) > 0:
		status = string(models.ProcessingFailed)
		p.finish(ctx, payload.EventID, models.ProcessingFailed, strings.Join(failures, "; "))
	case handled == 0:
		status = string(models.ProcessingIgnored)
		p.finish(ctx, payload.EventID, models.ProcessingIgnored, "")
	default:
		p.finish(ctx, payload.EventID, models.ProcessingProcessed, "")
	}
	return nil
}

func (p *Processor) finish(ctx context.Context, eventID string, status models.ProcessingStatus, reason string) {
	if err := p.deps.Events.UpdateStatus(ctx, eventID, status, reason); err != nil && !apperrors.IsNotFound(err) {
		p.logger.ErrorwCtx(ctx, "Failed to update webhook event status", "status", status, "error", err)
	}
}

// HandleInboundMessage ingests one polled message. Store failures are
// returned so the consumer retries; the dedup store keeps retries idempotent.
func (p *Processor) HandleInboundMessage(ctx context.Context, env *models.Envelope) (err error) {
	start := p.now()
	status := "ok"
	defer func() {
		if err != nil {
			status = "error"
		}
		metrics.ObservePipelineDuration(string(models.KindInboundMessage), status, time.Since(start))
	}()

	if env.Kind != models.KindInboundMessage {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("unexpected envelope kind %q", env.Kind)).AsFatal()
	}
	var payload models.InboundMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperrors.ErrValidation.WithMessage("malformed inbound message payload").WithCause(err).AsFatal()
	}
	msg := &payload.Message
	if err := models.ValidateMessage(msg); err != nil {
		return apperrors.ErrValidation.WithCause(err).AsFatal()
	}

	ctx = logging.WithChannel(logging.WithAccountID(ctx, msg.AccountID), string(msg.ChannelType))
	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.inbound_message")
	defer span.End()

	account, err := p.deps.Accounts.Get(ctx, msg.AccountID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			status = "ignored"
			p.logger.WarnwCtx(ctx, "Message for unknown account dropped", "internal_id", msg.InternalID)
			return nil
		}
		return apperrors.ErrServiceUnavailable.WithMessage("failed to load channel account").WithCause(err)
	}

	res := p.ingest(ctx, account, msg, p.outbound(ctx, account))
	switch {
	case res.IsFailed():
		return res.Err()
	case res.IsIgnored():
		status = "ignored"
	case isBounceNotice(msg):
		p.applyBounce(ctx, account, msg)
	}
	return nil
}

func (p *Processor) outbound(ctx context.Context, account *channel.Account) rules.Outbound {
	out := rules.Outbound{Account: *account}
	if p.deps.Registry == nil {
		return out
	}
	adapter, err := p.deps.Registry.Outbound(*account)
	if err != nil {
		p.logger.WarnwCtx(ctx, "No outbound adapter for account, replies disabled", "protocol", account.Protocol, "error", err)
		return out
	}
	out.Adapter = &recordingAdapter{OutboundAdapter: adapter, messages: p.deps.Messages, logger: p.logger}
	return out
}

func (p *Processor) handleEvent(ctx context.Context, account *channel.Account, ev channel.Event, out rules.Outbound) result.Result[string] {
	switch ev.Kind {
	case channel.EventMessage:
		if ev.Message == nil {
			return result.Ignored[string]("message event without message")
		}
		res := p.ingest(ctx, account, ev.Message, out)
		if !res.IsOk() {
			return res
		}
		p.runFlow(ctx, account, ev, out)
		return res

	case channel.EventStatus:
		if ev.Status == nil {
			return result.Ignored[string]("status event without status")
		}
		return p.applyStatus(ctx, account, ev.Status)

	case channel.EventDelivery:
		return p.markDelivered(ctx, account, ev)

	case channel.EventRead:
		return p.markRead(ctx, account, ev)

	case channel.EventPostback, channel.EventOptin, channel.EventReferral, channel.EventHandover:
		return p.runFlow(ctx, account, ev, out)

	case channel.EventAlert:
		p.logger.WarnwCtx(ctx, "Channel account alert", "title", ev.Title, "payload", ev.Payload)
		return result.Ok("alert")
	}
	return result.Ignored[string](fmt.Sprintf("unsupported event type %q", ev.Kind))
}

// ingest threads, deduplicates and stores msg, then applies the account's rules.
func (p *Processor) ingest(ctx context.Context, account *channel.Account, msg *models.CanonicalMessage, out rules.Outbound) result.Result[string] {
	if msg.AccountID == "" {
		msg.AccountID = account.ID
	}
	ctx = logging.WithMessageID(ctx, msg.InternalID)

	if _, err := p.deps.Threader.Assign(ctx, msg); err != nil {
		return result.Failed[string](fmt.Errorf("assign thread: %w", err))
	}
	seen, err := p.deps.Dedup.Seen(ctx, msg)
	if err != nil {
		return result.Failed[string](err)
	}
	if seen {
		return result.Ignored[string]("duplicate message")
	}

	if p.deps.Rules == nil {
		return result.Ok(msg.InternalID)
	}
	updated := false
	for _, res := range p.deps.Rules.Apply(ctx, msg, out) {
		if res.IsOk() && res.Value().Updated {
			updated = true
		}
	}
	if updated {
		if err := p.deps.Messages.Update(ctx, msg); err != nil {
			p.logger.ErrorwCtx(ctx, "Failed to persist rule changes", "error", err)
		}
	}
	p.logger.InfowCtx(ctx, "Message ingested", "thread_id", msg.ThreadID, "direction", msg.Direction)
	return result.Ok(msg.InternalID)
}

func (p *Processor) runFlow(ctx context.Context, account *channel.Account, ev channel.Event, out rules.Outbound) result.Result[string] {
	if p.deps.Flows == nil || account.Channel == models.ChannelEmail {
		return result.Ignored[string]("flows disabled for channel")
	}
	res := p.deps.Flows.Handle(ctx, account.ID, ev, out.Adapter)
	switch {
	case res.IsFailed():
		return result.Failed[string](res.Err())
	case res.IsIgnored():
		return result.Ignored[string](res.Reason())
	}
	return result.Ok(res.Value().FlowID)
}

func (p *Processor) applyStatus(ctx context.Context, account *channel.Account, update *channel.StatusUpdate) result.Result[string] {
	msg, err := p.deps.Messages.GetByExternalID(ctx, account.ID, update.ExternalID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return result.Ignored[string]("status for unknown message")
		}
		return result.Failed[string](err)
	}

	if update.Status == models.StatusFailed {
		err = msg.MarkFailed(update.ErrorCode, update.ErrorMessage, update.At)
	} else {
		err = advance(msg, update.Status, update.At)
	}
	if err != nil {
		return result.Ignored[string](err.Error())
	}
	if err := p.deps.Messages.Update(ctx, msg); err != nil {
		return result.Failed[string](err)
	}
	metrics.IncOutboundSend(string(account.Channel), string(msg.Status))
	return result.Ok(msg.InternalID)
}

func (p *Processor) markDelivered(ctx context.Context, account *channel.Account, ev channel.Event) result.Result[string] {
	updated := 0
	for _, id := range ev.MessageIDs {
		res := p.applyStatus(ctx, account, &channel.StatusUpdate{ExternalID: id, Status: models.StatusDelivered, At: ev.Watermark})
		if res.IsFailed() {
			return res
		}
		if res.IsOk() {
			updated++
		}
	}
	if updated == 0 {
		return result.Ignored[string]("no known messages delivered")
	}
	return result.Ok(fmt.Sprintf("%d delivered", updated))
}

// markRead marks every outbound message to the reader created at or before
// the watermark as read.
func (p *Processor) markRead(ctx context.Context, account *channel.Account, ev channel.Event) result.Result[string] {
	if ev.Watermark.IsZero() || ev.SenderID == "" {
		return result.Ignored[string]("read event without watermark")
	}
	msgs, err := p.deps.Messages.ListByAccount(ctx, account.ID, ev.Watermark.Add(-readReceiptLookback), ev.Watermark.Add(time.Millisecond), 0)
	if err != nil {
		return result.Failed[string](err)
	}

	updated := 0
	for _, msg := range msgs {
		if msg.Direction != models.DirectionOutbound || !addressedTo(msg, ev.SenderID) {
			continue
		}
		if msg.Status != models.StatusSent && msg.Status != models.StatusDelivered {
			continue
		}
		if err := advance(msg, models.StatusRead, ev.Watermark); err != nil {
			continue
		}
		if err := p.deps.Messages.Update(ctx, msg); err != nil {
			return result.Failed[string](err)
		}
		updated++
	}
	if updated == 0 {
		return result.Ignored[string]("no unread messages")
	}
	return result.Ok(fmt.Sprintf("%d read", updated))
}

// advance steps through delivered when a read receipt arrives for a message
// still marked sent.
func advance(msg *models.CanonicalMessage, status models.MessageStatus, at time.Time) error {
	if status == models.StatusRead && msg.Status == models.StatusSent {
		if err := msg.TransitionTo(models.StatusDelivered, at); err != nil {
			return err
		}
	}
	return msg.TransitionTo(status, at)
}

func addressedTo(msg *models.CanonicalMessage, recipient string) bool {
	for _, r := range msg.RecipientIdentifiers {
		if r == recipient {
			return true
		}
	}
	return false
}
