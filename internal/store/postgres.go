package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"switchboard/internal/channel"
	"switchboard/internal/constants"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery("store", constants.StorePostgres, operation, status)
	metrics.ObserveDatabaseQueryDuration("store", constants.StorePostgres, operation, time.Since(start))
}

type PostgresWebhookEventStore struct {
	db *sql.DB
}

func NewPostgresWebhookEventStore(db *sql.DB) *PostgresWebhookEventStore {
	return &PostgresWebhookEventStore{db: db}
}

func (s *PostgresWebhookEventStore) CreateIfAbsent(ctx context.Context, ev *models.WebhookEvent) (created bool, err error) {
	defer func(start time.Time) { observe("webhook_event_insert", start, err) }(time.Now())

	query := `
		INSERT INTO webhook_events (event_id, channel_account_id, channel, event_type, raw_payload, processing_status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`

	status := ev.ProcessingStatus
	if status == "" {
		status = models.ProcessingPending
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, query,
		ev.EventID, ev.ChannelAccountID, string(ev.Channel), ev.EventType, ev.RawPayload, string(status), ev.RetryCount, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

const webhookEventColumns = `event_id, channel_account_id, channel, event_type, raw_payload, processing_status, retry_count, error_message, processed_at, created_at`

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		ev          models.WebhookEvent
		channelType string
		status      string
		processedAt sql.NullTime
	)
	if err := row.Scan(&ev.EventID, &ev.ChannelAccountID, &channelType, &ev.EventType, &ev.RawPayload,
		&status, &ev.RetryCount, &ev.ErrorMessage, &processedAt, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Channel = models.ChannelType(channelType)
	ev.ProcessingStatus = models.ProcessingStatus(status)
	ev.ProcessedAt = timePtr(processedAt)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func (s *PostgresWebhookEventStore) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE event_id = $1`

	ev, err := scanWebhookEvent(s.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithDetail("event_id", eventID)
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

func (s *PostgresWebhookEventStore) UpdateStatus(ctx context.Context, eventID string, status models.ProcessingStatus, errMsg string) (err error) {
	defer func(start time.Time) { observe("webhook_event_update", start, err) }(time.Now())

	query := `
		UPDATE webhook_events
		SET processing_status = $2,
			error_message = $3,
			processed_at = CASE WHEN $4::BOOLEAN THEN NOW() ELSE processed_at END
		WHERE event_id = $1
	`

	res, err := s.db.ExecContext(ctx, query, eventID, string(status), errMsg, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound.WithDetail("event_id", eventID)
	}
	return nil
}

func (s *PostgresWebhookEventStore) MarkRetry(ctx context.Context, eventID string) error {
	query := `
		UPDATE webhook_events
		SET retry_count = retry_count + 1, processing_status = 'pending', processed_at = NULL
		WHERE event_id = $1
	`

	res, err := s.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound.WithDetail("event_id", eventID)
	}
	return nil
}

func (s *PostgresWebhookEventStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE processing_status = 'failed' AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable webhook events: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

const accountColumns = `id, name, channel, protocol, credentials, webhook_secret, verify_token, poll_frequency_seconds, last_poll_at, status, last_error, is_active`

func scanAccount(row rowScanner) (*channel.Account, error) {
	var (
		a           channel.Account
		channelType string
		protocol    string
		status      string
		creds       []byte
		freq        int
		lastPoll    sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Name, &channelType, &protocol, &creds, &a.WebhookSecret, &a.VerifyToken,
		&freq, &lastPoll, &status, &a.LastError, &a.IsActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(creds, &a.Credentials); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	a.Channel = models.ChannelType(channelType)
	a.Protocol = channel.Protocol(protocol)
	a.Status = channel.AccountStatus(status)
	a.PollFrequency = time.Duration(freq) * time.Second
	a.LastPollAt = timePtr(lastPoll)
	return &a, nil
}

func (s *PostgresAccountStore) Get(ctx context.Context, accountID string) (*channel.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM channel_accounts WHERE id = $1`

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithMessage("channel account not found").WithDetail("account_id", accountID)
		}
		return nil, fmt.Errorf("failed to get channel account: %w", err)
	}
	return a, nil
}

func (s *PostgresAccountStore) ListActive(ctx context.Context, protocols ...channel.Protocol) ([]channel.Account, error) {
	names := make([]string, 0, len(protocols))
	for _, p := range protocols {
		names = append(names, string(p))
	}
	query := `SELECT ` + accountColumns + `
		FROM channel_accounts
		WHERE is_active = true AND (cardinality($1::TEXT[]) = 0 OR protocol = ANY($1))
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to query channel accounts: %w", err)
	}
	defer rows.Close()

	var out []channel.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel account: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *PostgresAccountStore) RecordPoll(ctx context.Context, accountID string, at time.Time, status channel.AccountStatus, lastError string) error {
	query := `
		UPDATE channel_accounts
		SET last_poll_at = $2, status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query, accountID, at, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound.WithDetail("account_id", accountID)
	}
	return nil
}

func (s *PostgresAccountStore) Upsert(ctx context.Context, a channel.Account) error {
	creds := a.Credentials
	if creds == nil {
		creds = map[string]string{}
	}
	credJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	status := a.Status
	if status == "" {
		status = channel.AccountActive
	}

	query := `
		INSERT INTO channel_accounts (id, name, channel, protocol, credentials, webhook_secret, verify_token, poll_frequency_seconds, status, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			channel = EXCLUDED.channel,
			protocol = EXCLUDED.protocol,
			credentials = EXCLUDED.credentials,
			webhook_secret = EXCLUDED.webhook_secret,
			verify_token = EXCLUDED.verify_token,
			poll_frequency_seconds = EXCLUDED.poll_frequency_seconds,
			status = EXCLUDED.status,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query, a.ID, a.Name, string(a.Channel), string(a.Protocol), credJSON,
		a.WebhookSecret, a.VerifyToken, int(a.PollFrequency/time.Second), string(status), a.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert channel account: %w", err)
	}
	return nil
}

type PostgresTemplateStore struct {
	db *sql.DB
}

func NewPostgresTemplateStore(db *sql.DB) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

func (s *PostgresTemplateStore) GetTemplate(ctx context.Context, accountID, id string) (*models.EmailTemplate, error) {
	query := `
		SELECT id, account_id, name, subject, body_text, body_html, created_at, updated_at
		FROM email_templates
		WHERE id = $1 AND account_id = $2
	`

	var t models.EmailTemplate
	err := s.db.QueryRowContext(ctx, query, id, accountID).Scan(
		&t.ID, &t.AccountID, &t.Name, &t.Subject, &t.BodyText, &t.BodyHTML, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithMessage("template not found").WithDetail("template_id", id)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

func (s *PostgresTemplateStore) SaveTemplate(ctx context.Context, t *models.EmailTemplate) error {
	query := `
		INSERT INTO email_templates (id, account_id, name, subject, body_text, body_html)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			name = EXCLUDED.name,
			subject = EXCLUDED.subject,
			body_text = EXCLUDED.body_text,
			body_html = EXCLUDED.body_html,
			updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, t.ID, t.AccountID, t.Name, t.Subject, t.BodyText, t.BodyHTML); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

var (
	_ MessageStore      = (*PostgresMessageStore)(nil)
	_ WebhookEventStore = (*PostgresWebhookEventStore)(nil)
	_ AccountStore      = (*PostgresAccountStore)(nil)
	_ TemplateStore     = (*PostgresTemplateStore)(nil)
)
