package pipeline

import (
	"context"
	"strings"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const bounceNoticeCode = "DSN"

var bounceSenders = []string{"mailer-daemon@", "postmaster@"}

// isBounceNotice reports whether msg is a delivery status notification
// returned by a mail server.
func isBounceNotice(msg *models.CanonicalMessage) bool {
	if msg.ChannelType != models.ChannelEmail {
		return false
	}
	ct := strings.ToLower(msg.RawHeaders["Content-Type"])
	if strings.Contains(ct, "multipart/report") && strings.Contains(ct, "delivery-status") {
		return true
	}
	sender := strings.ToLower(msg.SenderIdentifier)
	for _, prefix := range bounceSenders {
		if strings.HasPrefix(sender, prefix) {
			return true
		}
	}
	return false
}

// applyBounce marks the outbound messages a bounce notice refers to as bounced.
func (p *Processor) applyBounce(ctx context.Context, account *channel.Account, notice *models.CanonicalMessage) int {
	reason := notice.Subject
	if failed := notice.RawHeaders["X-Failed-Recipients"]; failed != "" {
		reason += " (" + failed + ")"
	}

	bounced := 0
	for _, id := range notice.ReferencedIDs() {
		orig, err := p.deps.Messages.GetByExternalID(ctx, account.ID, id)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				p.logger.WarnwCtx(ctx, "Failed to load bounced message", "external_id", id, "error", err)
			}
			continue
		}
		if orig.Direction != models.DirectionOutbound {
			continue
		}
		if err := orig.MarkBounced(bounceNoticeCode, reason, notice.Timestamps.Created); err != nil {
			continue
		}
		if err := p.deps.Messages.Update(ctx, orig); err != nil {
			p.logger.ErrorwCtx(ctx, "Failed to record bounce", "external_id", id, "error", err)
			continue
		}
		metrics.IncOutboundSend(string(models.ChannelEmail), string(models.StatusBounced))
		bounced++
	}
	if bounced > 0 {
		p.logger.InfowCtx(ctx, "Outbound email bounced", "count", bounced, "reason", reason)
	}
	return bounced
}
