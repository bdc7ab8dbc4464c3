// Package store persists messages, webhook events, channel accounts and
// auto-reply templates. Every store has a PostgreSQL and an in-memory
// implementation.
package store

import (
	"context"
	"time"

	"switchboard/internal/channel"
	"switchboard/pkg/models"
)

type MessageStore interface {
	// CreateIfAbsent inserts msg unless (account, dedupKey) already exists.
	CreateIfAbsent(ctx context.Context, dedupKey string, msg *models.CanonicalMessage) (bool, error)
	Update(ctx context.Context, msg *models.CanonicalMessage) error
	GetByExternalID(ctx context.Context, accountID, externalID string) (*models.CanonicalMessage, error)
	ListByAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]*models.CanonicalMessage, error)

	// ThreadOf returns the thread of the first stored message whose external
	// id is in ids, or "" when none is known.
	ThreadOf(ctx context.Context, accountID string, ids []string) (string, error)
	// ThreadReferencing returns the thread of a stored message that replies
	// to or references externalID, or "".
	ThreadReferencing(ctx context.Context, accountID, externalID string) (string, error)
}

type WebhookEventStore interface {
	CreateIfAbsent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	Get(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	UpdateStatus(ctx context.Context, eventID string, status models.ProcessingStatus, errMsg string) error
	// MarkRetry increments the retry count and moves the event back to pending.
	MarkRetry(ctx context.Context, eventID string) error
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.WebhookEvent, error)
}

type AccountStore interface {
	channel.CredentialSource
	Upsert(ctx context.Context, account channel.Account) error
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, accountID, id string) (*models.EmailTemplate, error)
	SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) error
}
