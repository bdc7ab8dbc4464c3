//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/management"
	"switchboard/internal/rules"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

func TestRulesRepository_CreateAndGet(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	repo := rules.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	rule := createTestRule("acc-1", "pricing", 10)
	require.NoError(t, repo.Create(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())

	got, err := repo.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, models.ConditionBodyContains, got.ConditionType)
	assert.Equal(t, "price", got.ConditionValue)
	assert.Equal(t, models.ActionSetPriority, got.ActionType)
	assert.Equal(t, "high", got.ActionData["priority"])
	assert.True(t, got.IsActive)

	err = repo.Create(ctx, rule)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRulesRepository_ListOrdersByPriority(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	repo := rules.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	low := createTestRule("acc-1", "low", 1)
	high := createTestRule("acc-1", "high", 50)
	disabled := createTestRule("acc-1", "disabled", 99)
	disabled.IsActive = false
	other := createTestRule("acc-2", "other", 20)
	for _, r := range []*models.Rule{low, high, disabled, other} {
		require.NoError(t, repo.Create(ctx, r))
		time.Sleep(timestampDelay)
	}

	forAccount, err := repo.List(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, forAccount, 3)
	assert.Equal(t, "disabled", forAccount[0].Name)
	assert.Equal(t, "high", forAccount[1].Name)
	assert.Equal(t, "low", forAccount[2].Name)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
	for _, r := range active {
		assert.True(t, r.IsActive)
	}
}

func TestRulesRepository_UpdateAndDelete(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	repo := rules.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	rule := createTestRule("acc-1", "pricing", 10)
	require.NoError(t, repo.Create(ctx, rule))
	createdAt := rule.UpdatedAt
	time.Sleep(timestampDelay)

	rule.ConditionValue = "quote"
	rule.IsActive = false
	require.NoError(t, repo.Update(ctx, rule))

	got, err := repo.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "quote", got.ConditionValue)
	assert.False(t, got.IsActive)
	assert.True(t, got.UpdatedAt.After(createdAt))

	require.NoError(t, repo.Delete(ctx, rule.ID))
	_, err = repo.Get(ctx, rule.ID)
	assert.True(t, apperrors.IsNotFound(err))

	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, rule.ID)))
	missing := createTestRule("acc-1", "ghost", 1)
	missing.ID = "ghost"
	assert.True(t, apperrors.IsNotFound(repo.Update(ctx, missing)))
}

func TestVersioningRepository_Versions(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	repo := management.NewVersioningRepository(infra.PostgresDB)
	ctx := context.Background()

	next, err := repo.GetNextVersion(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	for i, value := range []string{"price", "quote"} {
		data, err := json.Marshal(map[string]interface{}{"condition_value": value})
		require.NoError(t, err)
		require.NoError(t, repo.CreateVersion(ctx, &management.Version{
			ObjectID:     "rule-1",
			ObjectType:   management.ObjectRule,
			Data:         data,
			Version:      i + 1,
			ChangedBy:    "ops@example.com",
			ChangeReason: "tuning",
		}))
	}

	next, err = repo.GetNextVersion(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	versions, err := repo.GetVersions(ctx, "rule-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.JSONEq(t, `{"condition_value":"quote"}`, string(versions[0].Data))
	assert.Equal(t, "ops@example.com", versions[0].ChangedBy)

	err = repo.CreateVersion(ctx, &management.Version{
		ObjectID:   "rule-1",
		ObjectType: management.ObjectRule,
		Data:       json.RawMessage(`{}`),
		Version:    2,
	})
	assert.Error(t, err, "version numbers are unique per object")
}

func TestVersioningRepository_AuditLogs(t *testing.T) {
	infra := SetupInfra(t, NeedPostgres)

	repo := management.NewVersioningRepository(infra.PostgresDB)
	ctx := context.Background()

	ruleID := "rule-1"
	flowID := "flow-1"
	entries := []*management.AuditLog{
		{ObjectID: &ruleID, ObjectType: management.ObjectRule, Action: "create",
			NewValue: map[string]interface{}{"name": "pricing"}, ChangedBy: "ops"},
		{ObjectID: &ruleID, ObjectType: management.ObjectRule, Action: "update",
			OldValue: map[string]interface{}{"name": "pricing"}, NewValue: map[string]interface{}{"name": "quotes"}, ChangedBy: "ops"},
		{ObjectID: &flowID, ObjectType: management.ObjectFlow, Action: "delete",
			OldValue: map[string]interface{}{"name": "welcome"}, ChangedBy: "ops", IPAddress: "10.0.0.1"},
	}
	for _, e := range entries {
		require.NoError(t, repo.CreateAuditLog(ctx, e))
		assert.NotEmpty(t, e.ID)
		time.Sleep(timestampDelay)
	}

	byObject, err := repo.GetAuditLogs(ctx, management.AuditFilter{ObjectID: &ruleID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byObject, 2)
	assert.Equal(t, "update", byObject[0].Action)
	assert.Equal(t, "pricing", byObject[0].OldValue["name"])
	assert.Equal(t, "quotes", byObject[0].NewValue["name"])
	assert.Equal(t, "create", byObject[1].Action)
	assert.Nil(t, byObject[1].OldValue)

	byType, err := repo.GetAuditLogs(ctx, management.AuditFilter{ObjectType: management.ObjectFlow, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "10.0.0.1", byType[0].IPAddress)

	limited, err := repo.GetAuditLogs(ctx, management.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "delete", limited[0].Action)
}
