package channel

import (
	"context"
	"time"

	"switchboard/pkg/models"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountAuthError AccountStatus = "auth_error"
	AccountError     AccountStatus = "error"
	AccountInactive  AccountStatus = "inactive"
)

// Account is one configured channel connection and the secrets it needs.
type Account struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Channel       models.ChannelType `json:"channel"`
	Protocol      Protocol           `json:"protocol"`
	Credentials   map[string]string  `json:"-"`
	WebhookSecret string             `json:"-"`
	VerifyToken   string             `json:"-"`
	PollFrequency time.Duration      `json:"poll_frequency"`
	LastPollAt    *time.Time         `json:"last_poll_at,omitempty"`
	Status        AccountStatus      `json:"status"`
	LastError     string             `json:"last_error,omitempty"`
	IsActive      bool               `json:"is_active"`
}

// Clone returns a deep copy so adapters never share credential maps.
func (a Account) Clone() Account {
	c := a
	if a.Credentials != nil {
		c.Credentials = make(map[string]string, len(a.Credentials))
		for k, v := range a.Credentials {
			c.Credentials[k] = v
		}
	}
	if a.LastPollAt != nil {
		t := *a.LastPollAt
		c.LastPollAt = &t
	}
	return c
}

func (a Account) Credential(key string) string {
	return a.Credentials[key]
}

// DuePoll reports whether the account should be polled at now.
func (a Account) DuePoll(now time.Time, defaultFrequency time.Duration) bool {
	if !a.IsActive || a.Status == AccountAuthError {
		return false
	}
	if a.LastPollAt == nil {
		return true
	}
	freq := a.PollFrequency
	if freq <= 0 {
		freq = defaultFrequency
	}
	return !now.Before(a.LastPollAt.Add(freq))
}

// CredentialSource supplies accounts and their secrets. Implementations never
// receive secrets back from the core; only poll bookkeeping is written.
type CredentialSource interface {
	Get(ctx context.Context, accountID string) (*Account, error)
	ListActive(ctx context.Context, protocols ...Protocol) ([]Account, error)
	RecordPoll(ctx context.Context, accountID string, at time.Time, status AccountStatus, lastError string) error
}
