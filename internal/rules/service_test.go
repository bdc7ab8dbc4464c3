package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/pkg/models"
)

const (
	timeoutShort = 2 * time.Second
	tick         = 10 * time.Millisecond
)

func TestService_ReloadGroupsByAccount(t *testing.T) {
	repo := NewMemoryRepository(
		models.Rule{ID: "a1", AccountID: "acc-1", IsActive: true, Priority: 1},
		models.Rule{ID: "a2", AccountID: "acc-1", IsActive: true, Priority: 9},
		models.Rule{ID: "b1", AccountID: "acc-2", IsActive: true},
		models.Rule{ID: "off", AccountID: "acc-1", IsActive: false},
	)
	svc := NewService(repo, NewEngine(nil, nil, nil, nil), config.RulesConfig{}, logger.NopLogger())

	assert.Empty(t, svc.RulesFor("acc-1"))
	require.NoError(t, svc.ReloadRules(context.Background()))

	acc1 := svc.RulesFor("acc-1")
	require.Len(t, acc1, 2)
	assert.Equal(t, "a2", acc1[0].ID)
	assert.Len(t, svc.RulesFor("acc-2"), 1)
	assert.Empty(t, svc.RulesFor("acc-3"))

	acc1[0].ID = "mutated"
	assert.Equal(t, "a2", svc.RulesFor("acc-1")[0].ID, "callers get a copy")
}

func TestService_ReloadPicksUpChanges(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, NewEngine(nil, nil, nil, nil), config.RulesConfig{}, nil)

	rule := &models.Rule{AccountID: "acc-1", Name: "vip", IsActive: true,
		ConditionType: models.ConditionDomainEquals, ConditionValue: "example.com",
		ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "high"}}
	require.NoError(t, repo.Create(ctx, rule))
	assert.NotEmpty(t, rule.ID)

	msg := inboundEmail()
	assert.Nil(t, svc.Apply(ctx, msg, Outbound{}), "cache is empty until reloaded")

	require.NoError(t, svc.Reload(ctx))
	results := svc.Apply(ctx, msg, Outbound{})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsOk())
	assert.Equal(t, "high", msg.Priority)

	require.NoError(t, repo.Delete(ctx, rule.ID))
	require.NoError(t, svc.Reload(ctx))
	assert.Empty(t, svc.RulesFor("acc-1"))
}

func TestService_ReloaderStopsWithContext(t *testing.T) {
	repo := NewMemoryRepository(models.Rule{ID: "a1", AccountID: "acc-1", IsActive: true})
	svc := NewService(repo, NewEngine(nil, nil, nil, nil), config.RulesConfig{
		Reload: config.ReloadConfig{IntervalSeconds: 3600, JitterMaxMilliseconds: 1000},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.StartReloader(ctx) }()

	require.Eventually(t, func() bool { return len(svc.RulesFor("acc-1")) == 1 }, timeoutShort, tick)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMemoryRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rule := &models.Rule{ID: "r1", AccountID: "acc-1", Name: "first"}
	require.NoError(t, repo.Create(ctx, rule))
	assert.Error(t, repo.Create(ctx, &models.Rule{ID: "r1"}))

	rule.Name = "renamed"
	require.NoError(t, repo.Update(ctx, rule))
	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	list, err := repo.List(ctx, "acc-2")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, repo.Delete(ctx, "r1"))
	_, err = repo.Get(ctx, "r1")
	assert.Error(t, err)
	assert.Error(t, repo.Update(ctx, &models.Rule{ID: "r1"}))
}
