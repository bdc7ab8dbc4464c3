package rules

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/result"
)

const defaultReloadInterval = 60 * time.Second

// Service keeps the active rules of every account in memory and applies them
// to inbound messages.
type Service struct {
	repo   Repository
	engine *Engine
	cfg    config.RulesConfig
	logger logger.Logger

	rulesMu   sync.RWMutex
	byAccount map[string][]models.Rule
}

func NewService(repo Repository, engine *Engine, cfg config.RulesConfig, log logger.Logger) *Service {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Service{
		repo:      repo,
		engine:    engine,
		cfg:       cfg,
		logger:    log,
		byAccount: make(map[string][]models.Rule),
	}
}

// RulesFor returns a copy of the cached active rules of an account.
func (s *Service) RulesFor(accountID string) []models.Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()

	cached := s.byAccount[accountID]
	rules := make([]models.Rule, len(cached))
	copy(rules, cached)
	return rules
}

func (s *Service) Apply(ctx context.Context, msg *models.CanonicalMessage, out Outbound) []result.Result[Outcome] {
	rules := s.RulesFor(msg.AccountID)
	if len(rules) == 0 {
		return nil
	}
	return s.engine.Apply(ctx, msg, rules, out)
}

// ReloadRules replaces the cache with the active rules in the repository.
// Pass true to skip the startup jitter, e.g. when reacting to a config event.
func (s *Service) ReloadRules(ctx context.Context, skipJitter ...bool) error {
	shouldSkipJitter := len(skipJitter) > 0 && skipJitter[0]
	if err := s.applyJitter(ctx, shouldSkipJitter); err != nil {
		return err
	}

	s.logger.DebugwCtx(ctx, "Loading rules from database")
	rules, err := s.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	byAccount := make(map[string][]models.Rule)
	for _, rule := range rules {
		byAccount[rule.AccountID] = append(byAccount[rule.AccountID], rule)
	}

	s.rulesMu.Lock()
	s.byAccount = byAccount
	s.rulesMu.Unlock()

	metrics.SetRulesActive(len(rules))
	s.logger.InfowCtx(ctx, "Successfully reloaded rules",
		"rules_count", len(rules),
		"accounts", len(byAccount),
	)
	return nil
}

// Reload reacts to a rule_updated config event.
func (s *Service) Reload(ctx context.Context) error {
	return s.ReloadRules(ctx, true)
}

func (s *Service) applyJitter(ctx context.Context, skipJitter bool) error {
	if skipJitter || s.cfg.Reload.JitterMaxMilliseconds <= 0 {
		return nil
	}

	jitter := time.Duration(rand.Intn(s.cfg.Reload.JitterMaxMilliseconds)) * time.Millisecond
	s.logger.DebugwCtx(ctx, "Reload scheduled with jitter", "jitter_ms", jitter.Milliseconds())

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartReloader loads the rules once and then on every tick until ctx ends.
func (s *Service) StartReloader(ctx context.Context) error {
	interval := time.Duration(s.cfg.Reload.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.ReloadRules(ctx, true); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to reload rules", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := s.ReloadRules(ctx); err != nil {
				s.logger.ErrorwCtx(ctx, "Failed to reload rules", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
