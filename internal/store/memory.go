package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

func copyMessage(m *models.CanonicalMessage) *models.CanonicalMessage {
	c := *m
	c.RecipientIdentifiers = append([]string(nil), m.RecipientIdentifiers...)
	c.References = append([]string(nil), m.References...)
	c.Attachments = append([]models.Attachment(nil), m.Attachments...)
	return &c
}

type MemoryMessageStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.CanonicalMessage
	dedup    map[string]string // account|key -> internal id
	external map[string]string // account|external id -> internal id
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byID:     make(map[string]*models.CanonicalMessage),
		dedup:    make(map[string]string),
		external: make(map[string]string),
	}
}

func (s *MemoryMessageStore) CreateIfAbsent(_ context.Context, dedupKey string, msg *models.CanonicalMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := msg.AccountID + "|" + dedupKey
	if _, ok := s.dedup[k]; ok {
		return false, nil
	}
	s.dedup[k] = msg.InternalID
	s.byID[msg.InternalID] = copyMessage(msg)
	if msg.ExternalID != "" {
		s.external[msg.AccountID+"|"+msg.ExternalID] = msg.InternalID
	}
	return true, nil
}

func (s *MemoryMessageStore) Update(_ context.Context, msg *models.CanonicalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.InternalID]; !ok {
		return apperrors.ErrNotFound.WithDetail("internal_id", msg.InternalID)
	}
	s.byID[msg.InternalID] = copyMessage(msg)
	if msg.ExternalID != "" {
		s.external[msg.AccountID+"|"+msg.ExternalID] = msg.InternalID
	}
	return nil
}

func (s *MemoryMessageStore) GetByExternalID(_ context.Context, accountID, externalID string) (*models.CanonicalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.external[accountID+"|"+externalID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("external_id", externalID)
	}
	return copyMessage(s.byID[id]), nil
}

func (s *MemoryMessageStore) ListByAccount(_ context.Context, accountID string, from, to time.Time, limit int) ([]*models.CanonicalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CanonicalMessage
	for _, m := range s.byID {
		created := m.Timestamps.Created
		if m.AccountID != accountID || created.Before(from) || !created.Before(to) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamps.Created.After(out[j].Timestamps.Created) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryMessageStore) ThreadOf(_ context.Context, accountID string, ids []string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ext := range ids {
		if id, ok := s.external[accountID+"|"+ext]; ok {
			if t := s.byID[id].ThreadID; t != "" {
				return t, nil
			}
		}
	}
	return "", nil
}

func (s *MemoryMessageStore) ThreadReferencing(_ context.Context, accountID, externalID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byID {
		if m.AccountID != accountID || m.ThreadID == "" {
			continue
		}
		for _, ref := range m.ReferencedIDs() {
			if ref == externalID {
				return m.ThreadID, nil
			}
		}
	}
	return "", nil
}

func (s *MemoryMessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

type MemoryWebhookEventStore struct {
	mu     sync.RWMutex
	events map[string]*models.WebhookEvent
	now    func() time.Time
}

func NewMemoryWebhookEventStore() *MemoryWebhookEventStore {
	return &MemoryWebhookEventStore{events: make(map[string]*models.WebhookEvent), now: time.Now}
}

func (s *MemoryWebhookEventStore) CreateIfAbsent(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; ok {
		return false, nil
	}
	c := *ev
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = models.ProcessingPending
	}
	s.events[ev.EventID] = &c
	return true, nil
}

func (s *MemoryWebhookEventStore) Get(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("event_id", eventID)
	}
	c := *ev
	return &c, nil
}

func (s *MemoryWebhookEventStore) UpdateStatus(_ context.Context, eventID string, status models.ProcessingStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("event_id", eventID)
	}
	ev.ProcessingStatus = status
	ev.ErrorMessage = errMsg
	if status.IsTerminal() {
		at := s.now().UTC()
		ev.ProcessedAt = &at
	}
	return nil
}

func (s *MemoryWebhookEventStore) MarkRetry(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("event_id", eventID)
	}
	ev.RetryCount++
	ev.ProcessingStatus = models.ProcessingPending
	ev.ProcessedAt = nil
	return nil
}

func (s *MemoryWebhookEventStore) ListRetryable(_ context.Context, maxRetries, limit int) ([]*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WebhookEvent
	for _, ev := range s.events {
		if ev.ProcessingStatus == models.ProcessingFailed && ev.RetryCount < maxRetries {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]channel.Account
}

func NewMemoryAccountStore(accounts ...channel.Account) *MemoryAccountStore {
	s := &MemoryAccountStore{accounts: make(map[string]channel.Account)}
	for _, a := range accounts {
		s.accounts[a.ID] = a.Clone()
	}
	return s
}

func (s *MemoryAccountStore) Get(_ context.Context, accountID string) (*channel.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithMessage("channel account not found").WithDetail("account_id", accountID)
	}
	c := a.Clone()
	return &c, nil
}

func (s *MemoryAccountStore) ListActive(_ context.Context, protocols ...channel.Protocol) ([]channel.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[channel.Protocol]bool, len(protocols))
	for _, p := range protocols {
		want[p] = true
	}
	var out []channel.Account
	for _, a := range s.accounts {
		if !a.IsActive || (len(want) > 0 && !want[a.Protocol]) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryAccountStore) RecordPoll(_ context.Context, accountID string, at time.Time, status channel.AccountStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("account_id", accountID)
	}
	a.LastPollAt = &at
	a.Status = status
	a.LastError = lastError
	s.accounts[accountID] = a
	return nil
}

func (s *MemoryAccountStore) Upsert(_ context.Context, account channel.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account.Clone()
	return nil
}

type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]models.EmailTemplate
}

func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]models.EmailTemplate)}
}

func (s *MemoryTemplateStore) GetTemplate(_ context.Context, accountID, id string) (*models.EmailTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok || (t.AccountID != "" && t.AccountID != accountID) {
		return nil, apperrors.ErrNotFound.WithMessage("template not found").WithDetail("template_id", id)
	}
	return &t, nil
}

func (s *MemoryTemplateStore) SaveTemplate(_ context.Context, tmpl *models.EmailTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.ID] = *tmpl
	return nil
}

var (
	_ MessageStore      = (*MemoryMessageStore)(nil)
	_ WebhookEventStore = (*MemoryWebhookEventStore)(nil)
	_ AccountStore      = (*MemoryAccountStore)(nil)
	_ TemplateStore     = (*MemoryTemplateStore)(nil)
)
