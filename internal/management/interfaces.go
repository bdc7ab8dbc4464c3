package management

import (
	"context"

	"switchboard/pkg/models"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*models.Rule, error)
	ListRules(ctx context.Context, accountID string) ([]models.Rule, error)
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*models.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	CreateFlow(ctx context.Context, req CreateFlowRequest) (*models.ConversationFlow, error)
	ListFlows(ctx context.Context, accountID string) ([]models.ConversationFlow, error)
	GetFlow(ctx context.Context, id string) (*models.ConversationFlow, error)
	UpdateFlow(ctx context.Context, id string, req UpdateFlowRequest) (*models.ConversationFlow, error)
	DeleteFlow(ctx context.Context, id string) error
	GetFlowStats(ctx context.Context, id string) (*FlowStats, error)

	GetVersions(ctx context.Context, objectID string) ([]Version, error)
	GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error)
}
