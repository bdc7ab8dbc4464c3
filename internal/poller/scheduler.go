package poller

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/retry"
)

const (
	defaultTickInterval  = 30 * time.Second
	defaultPollFrequency = 5 * time.Minute
	defaultMaxConcurrent = 4
)

// Scheduler wakes up on a ticker and polls every active account whose poll
// frequency has elapsed.
type Scheduler struct {
	accounts     channel.CredentialSource
	orchestrator *Orchestrator
	protocols    []channel.Protocol
	cfg          config.PollerConfig
	policy       retry.Policy
	logger       logger.Logger
	now          func() time.Time
}

func NewScheduler(accounts channel.CredentialSource, orchestrator *Orchestrator, protocols []channel.Protocol, cfg config.PollerConfig, policy retry.Policy, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NopLogger()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.DefaultFrequency <= 0 {
		cfg.DefaultFrequency = defaultPollFrequency
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Scheduler{
		accounts:     accounts,
		orchestrator: orchestrator,
		protocols:    protocols,
		cfg:          cfg,
		policy:       policy,
		logger:       log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run polls on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.ErrorwCtx(ctx, "Poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce polls the accounts that are due and returns how many were polled.
// A failing account never stops its siblings.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListActive(ctx, s.protocols...)
	if err != nil {
		return 0, err
	}

	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)

	due, skipped := 0, 0
	for _, account := range accounts {
		if !account.DuePoll(now, s.cfg.DefaultFrequency) {
			skipped++
			continue
		}
		due++
		accountID := account.ID
		g.Go(func() error {
			s.poll(gctx, accountID)
			return nil
		})
	}
	err = g.Wait()

	s.logger.InfowCtx(ctx, "Poll cycle completed", "due", due, "skipped", skipped, "total", len(accounts))
	return due, err
}

// poll retries connection failures under the scheduler's retry policy.
func (s *Scheduler) poll(ctx context.Context, accountID string) {
	err := retry.RetryWithCallback(ctx, s.policy, func() error {
		res := s.orchestrator.PollAccount(ctx, accountID)
		if res.IsFailed() {
			return res.Err()
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		s.logger.WarnwCtx(ctx, "Retrying account poll", "account_id", accountID, "attempt", attempt, "next_delay", next, "error", err)
	})
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Account poll gave up", "account_id", accountID, "error", err)
	}
}
