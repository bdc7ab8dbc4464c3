package management

import "switchboard/pkg/models"

type CreateRuleRequest struct {
	AccountID      string                 `json:"account_id" binding:"required"`
	Name           string                 `json:"name" binding:"required"`
	ConditionType  models.ConditionType   `json:"condition_type" binding:"required"`
	ConditionValue string                 `json:"condition_value"`
	ActionType     models.ActionType      `json:"action_type" binding:"required"`
	ActionData     map[string]interface{} `json:"action_data"`
	Priority       int                    `json:"priority"`
	IsActive       *bool                  `json:"is_active"`
}

type UpdateRuleRequest struct {
	Name           *string                 `json:"name"`
	ConditionType  *models.ConditionType   `json:"condition_type"`
	ConditionValue *string                 `json:"condition_value"`
	ActionType     *models.ActionType      `json:"action_type"`
	ActionData     *map[string]interface{} `json:"action_data"`
	Priority       *int                    `json:"priority"`
	IsActive       *bool                   `json:"is_active"`
}

type CreateFlowRequest struct {
	AccountID    string                     `json:"account_id" binding:"required"`
	Name         string                     `json:"name" binding:"required"`
	Description  string                     `json:"description"`
	FlowType     models.FlowType            `json:"flow_type"`
	TriggerType  models.TriggerType         `json:"trigger_type" binding:"required"`
	TriggerValue string                     `json:"trigger_value"`
	Priority     int                        `json:"priority"`
	IsActive     *bool                      `json:"is_active"`
	Steps        map[string]models.FlowStep `json:"steps" binding:"required"`
}

type UpdateFlowRequest struct {
	Name         *string                     `json:"name"`
	Description  *string                     `json:"description"`
	FlowType     *models.FlowType            `json:"flow_type"`
	TriggerType  *models.TriggerType         `json:"trigger_type"`
	TriggerValue *string                     `json:"trigger_value"`
	Priority     *int                        `json:"priority"`
	IsActive     *bool                       `json:"is_active"`
	Steps        *map[string]models.FlowStep `json:"steps"`
}

type FlowStats struct {
	FlowID          string  `json:"flow_id"`
	Name            string  `json:"name"`
	UsageCount      int64   `json:"usage_count"`
	CompletionCount int64   `json:"completion_count"`
	CompletionRate  float64 `json:"completion_rate"`
}
