package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

type PostgresMessageStore struct {
	db *sql.DB
}

func NewPostgresMessageStore(db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

const messageColumns = `
	internal_id, account_id, external_id, thread_id, direction, channel_type,
	sender_identifier, sender_name, recipient_identifiers, subject, content_text, content_html,
	attachments, in_reply_to, refs, quick_reply_payload, raw_headers, raw_payload,
	status, priority, error_code, error_message, created_at, sent_at, delivered_at, read_at, failed_at`

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func messageJSON(msg *models.CanonicalMessage) (attachments, headers, payload []byte, err error) {
	atts := msg.Attachments
	if atts == nil {
		atts = []models.Attachment{}
	}
	if attachments, err = json.Marshal(atts); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}
	h := msg.RawHeaders
	if h == nil {
		h = map[string]string{}
	}
	if headers, err = json.Marshal(h); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal raw headers: %w", err)
	}
	p := msg.RawPayload
	if p == nil {
		p = map[string]interface{}{}
	}
	if payload, err = json.Marshal(p); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal raw payload: %w", err)
	}
	return attachments, headers, payload, nil
}

func (s *PostgresMessageStore) CreateIfAbsent(ctx context.Context, dedupKey string, msg *models.CanonicalMessage) (bool, error) {
	attachments, headers, payload, err := messageJSON(msg)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO messages (dedup_key, ` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28)
		ON CONFLICT (account_id, dedup_key) DO NOTHING
	`

	t := msg.Timestamps
	res, err := s.db.ExecContext(ctx, query,
		dedupKey,
		msg.InternalID, msg.AccountID, msg.ExternalID, msg.ThreadID, string(msg.Direction), string(msg.ChannelType),
		msg.SenderIdentifier, msg.SenderName, pq.Array(nonNil(msg.RecipientIdentifiers)), msg.Subject, msg.ContentText, msg.ContentHTML,
		attachments, msg.InReplyTo, pq.Array(nonNil(msg.References)), msg.QuickReplyPayload, headers, payload,
		string(msg.Status), msg.Priority, msg.ErrorCode, msg.ErrorMessage,
		t.Created, nullTime(t.Sent), nullTime(t.Delivered), nullTime(t.Read), nullTime(t.Failed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *PostgresMessageStore) Update(ctx context.Context, msg *models.CanonicalMessage) error {
	attachments, headers, payload, err := messageJSON(msg)
	if err != nil {
		return err
	}

	query := `
		UPDATE messages SET
			external_id = $2, thread_id = $3, sender_name = $4, subject = $5, content_text = $6, content_html = $7,
			attachments = $8, raw_headers = $9, raw_payload = $10, status = $11, priority = $12,
			error_code = $13, error_message = $14, sent_at = $15, delivered_at = $16, read_at = $17, failed_at = $18
		WHERE internal_id = $1
	`

	t := msg.Timestamps
	res, err := s.db.ExecContext(ctx, query,
		msg.InternalID, msg.ExternalID, msg.ThreadID, msg.SenderName, msg.Subject, msg.ContentText, msg.ContentHTML,
		attachments, headers, payload, string(msg.Status), msg.Priority,
		msg.ErrorCode, msg.ErrorMessage, nullTime(t.Sent), nullTime(t.Delivered), nullTime(t.Read), nullTime(t.Failed),
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound.WithDetail("internal_id", msg.InternalID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.CanonicalMessage, error) {
	var (
		m                             models.CanonicalMessage
		direction, channelType        string
		status                        string
		attachments, headers, payload []byte
		recipients, refs              pq.StringArray
		sent, delivered, read, failed sql.NullTime
	)
	err := row.Scan(
		&m.InternalID, &m.AccountID, &m.ExternalID, &m.ThreadID, &direction, &channelType,
		&m.SenderIdentifier, &m.SenderName, &recipients, &m.Subject, &m.ContentText, &m.ContentHTML,
		&attachments, &m.InReplyTo, &refs, &m.QuickReplyPayload, &headers, &payload,
		&status, &m.Priority, &m.ErrorCode, &m.ErrorMessage,
		&m.Timestamps.Created, &sent, &delivered, &read, &failed,
	)
	if err != nil {
		return nil, err
	}
	m.Direction = models.Direction(direction)
	m.ChannelType = models.ChannelType(channelType)
	m.Status = models.MessageStatus(status)
	if len(recipients) > 0 {
		m.RecipientIdentifiers = recipients
	}
	if len(refs) > 0 {
		m.References = refs
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal(headers, &m.RawHeaders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw headers: %w", err)
	}
	if err := json.Unmarshal(payload, &m.RawPayload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw payload: %w", err)
	}
	m.Timestamps.Created = m.Timestamps.Created.UTC()
	m.Timestamps.Sent = timePtr(sent)
	m.Timestamps.Delivered = timePtr(delivered)
	m.Timestamps.Read = timePtr(read)
	m.Timestamps.Failed = timePtr(failed)
	return &m, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PostgresMessageStore) GetByExternalID(ctx context.Context, accountID, externalID string) (*models.CanonicalMessage, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE account_id = $1 AND external_id = $2
		ORDER BY created_at ASC
		LIMIT 1
	`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, accountID, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithDetail("external_id", externalID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *PostgresMessageStore) ListByAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]*models.CanonicalMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.CanonicalMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *PostgresMessageStore) ThreadOf(ctx context.Context, accountID string, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	query := `
		SELECT thread_id
		FROM messages
		WHERE account_id = $1 AND external_id = ANY($2) AND thread_id <> ''
		ORDER BY array_position($2, external_id)
		LIMIT 1
	`

	var thread string
	err := s.db.QueryRowContext(ctx, query, accountID, pq.Array(ids)).Scan(&thread)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresMessageStore) ThreadReferencing(ctx context.Context, accountID, externalID string) (string, error) {
	query := `
		SELECT thread_id
		FROM messages
		WHERE account_id = $1 AND thread_id <> '' AND (in_reply_to = $2 OR refs @> ARRAY[$2]::TEXT[])
		ORDER BY created_at ASC
		LIMIT 1
	`

	var thread string
	err := s.db.QueryRowContext(ctx, query, accountID, externalID).Scan(&thread)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up referencing thread: %w", err)
	}
	return thread, nil
}
