package pipeline

import (
	"context"

	"switchboard/internal/channel"
	"switchboard/internal/channel/facebook"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/store"
	"switchboard/internal/threading"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

// recordingAdapter stores every message it sends so later delivery and read
// receipts can find it by external id.
type recordingAdapter struct {
	channel.OutboundAdapter
	messages store.MessageStore
	logger   logger.Logger
}

func (a *recordingAdapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	sent, err := a.OutboundAdapter.Send(ctx, req)
	if err != nil || sent == nil {
		return sent, err
	}
	if _, serr := a.messages.CreateIfAbsent(ctx, threading.Key(sent), sent); serr != nil {
		a.logger.WarnwCtx(ctx, "Failed to store outbound message", "external_id", sent.ExternalID, "error", serr)
	}
	return sent, nil
}

type profileFetcher interface {
	UserProfile(ctx context.Context, psid string) (*facebook.Profile, error)
}

// registryProfiles resolves user profiles through the account's outbound
// adapter when that adapter can look profiles up.
type registryProfiles struct {
	accounts channel.CredentialSource
	registry *channel.Registry
}

// NewProfileSource returns a flows.ProfileSource backed by the adapters in registry.
func NewProfileSource(accounts channel.CredentialSource, registry *channel.Registry) flows.ProfileSource {
	return &registryProfiles{accounts: accounts, registry: registry}
}

func (p *registryProfiles) Profile(ctx context.Context, accountID, userID string) (flows.Profile, error) {
	account, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return flows.Profile{}, err
	}
	adapter, err := p.registry.Outbound(*account)
	if err != nil {
		return flows.Profile{}, err
	}
	fetcher, ok := adapter.(profileFetcher)
	if !ok {
		return flows.Profile{}, apperrors.ErrConfiguration.WithMessage("channel has no profile lookup").WithDetail("channel", string(account.Channel))
	}
	profile, err := fetcher.UserProfile(ctx, userID)
	if err != nil {
		return flows.Profile{}, err
	}
	return flows.Profile{FirstName: profile.FirstName, LastName: profile.LastName}, nil
}
