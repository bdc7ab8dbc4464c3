// Package threading assigns thread ids to canonical messages and suppresses
// re-ingestion of messages that were already stored.
package threading

import (
	"context"
	"strings"

	"switchboard/internal/logger"
	"switchboard/pkg/models"
)

// ThreadIndex looks up threads of already stored messages. The message store
// implements it.
type ThreadIndex interface {
	ThreadOf(ctx context.Context, accountID string, ids []string) (string, error)
	ThreadReferencing(ctx context.Context, accountID, externalID string) (string, error)
}

type Threader struct {
	index  ThreadIndex
	logger logger.Logger
}

func NewThreader(index ThreadIndex, log logger.Logger) *Threader {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Threader{index: index, logger: log}
}

// chainIDs orders referenced ids root first: References as sent, then
// In-Reply-To when it is not already listed.
func chainIDs(msg *models.CanonicalMessage) []string {
	ids := make([]string, 0, len(msg.References)+1)
	seen := make(map[string]bool, len(msg.References)+1)
	for _, ref := range append(append([]string(nil), msg.References...), msg.InReplyTo) {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		ids = append(ids, ref)
	}
	return ids
}

// Assign sets msg.ThreadID when it is empty and returns it. The same reply
// chain converges on one id whichever message is ingested first.
func (t *Threader) Assign(ctx context.Context, msg *models.CanonicalMessage) (string, error) {
	if msg.ThreadID != "" {
		return msg.ThreadID, nil
	}
	thread, err := t.derive(ctx, msg)
	if err != nil {
		return "", err
	}
	msg.ThreadID = thread
	return thread, nil
}

func (t *Threader) derive(ctx context.Context, msg *models.CanonicalMessage) (string, error) {
	chat := msg.ChannelType != models.ChannelEmail && msg.ChannelType != ""
	refs := chainIDs(msg)
	if len(refs) > 0 {
		if id := findThreadID(refs); id != "" {
			return id, nil
		}
		if t.index != nil {
			known, err := t.index.ThreadOf(ctx, msg.AccountID, refs)
			if err != nil {
				return "", err
			}
			if known != "" {
				return known, nil
			}
		}
		if !chat {
			return HashThreadID(refs[0]), nil
		}
	}

	if t.index != nil && msg.ExternalID != "" && len(refs) == 0 {
		known, err := t.index.ThreadReferencing(ctx, msg.AccountID, msg.ExternalID)
		if err != nil {
			return "", err
		}
		if known != "" {
			return known, nil
		}
	}

	if chat {
		// chat channels have no subject; one conversation per counterpart
		return HashThreadID(string(msg.ChannelType) + "|" + msg.AccountID + "|" + counterpart(msg)), nil
	}
	subject := NormalizeSubject(msg.Subject)
	if subject == NoSubject && t.logger != nil {
		t.logger.DebugwCtx(ctx, "Message has no subject, using shared bucket", "internal_id", msg.InternalID)
	}
	return HashThreadID(subject), nil
}

func counterpart(msg *models.CanonicalMessage) string {
	if msg.Direction == models.DirectionOutbound && len(msg.RecipientIdentifiers) > 0 {
		return msg.RecipientIdentifiers[0]
	}
	return msg.SenderIdentifier
}

// SameThread reports whether a and b reference each other directly or their
// normalized subjects are equal or one contains the other.
func SameThread(a, b *models.CanonicalMessage) bool {
	if references(a, b.ExternalID) || references(b, a.ExternalID) {
		return true
	}
	na, nb := NormalizeSubject(a.Subject), NormalizeSubject(b.Subject)
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}

func references(m *models.CanonicalMessage, id string) bool {
	if id == "" {
		return false
	}
	for _, ref := range m.ReferencedIDs() {
		if ref == id {
			return true
		}
	}
	return false
}
