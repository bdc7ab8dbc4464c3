package management

import (
	"fmt"
	"strings"

	"switchboard/pkg/cel"
	"switchboard/pkg/models"
)

func ValidateRule(rule *models.Rule) error {
	if rule.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !rule.ConditionType.Valid() {
		return fmt.Errorf("invalid condition_type: %s", rule.ConditionType)
	}
	if !rule.ActionType.Valid() {
		return fmt.Errorf("invalid action_type: %s", rule.ActionType)
	}

	switch rule.ConditionType {
	case models.ConditionHasAttachment:
	case models.ConditionCELExpression:
		if rule.ConditionValue == "" {
			return fmt.Errorf("condition_value is required for %s", rule.ConditionType)
		}
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		if err := evaluator.ValidateFilterExpression(rule.ConditionValue); err != nil {
			return fmt.Errorf("invalid CEL expression: %w", err)
		}
	default:
		if rule.ConditionValue == "" {
			return fmt.Errorf("condition_value is required for %s", rule.ConditionType)
		}
	}

	switch rule.ActionType {
	case models.ActionAutoReply:
		if rule.ActionString("template_id") == "" {
			return fmt.Errorf("action_data.template_id is required for autoReply")
		}
	case models.ActionForward:
		if _, ok := rule.ActionData["forward_to"]; !ok {
			return fmt.Errorf("action_data.forward_to is required for forward")
		}
	case models.ActionAssign:
		if rule.ActionString("assigned_to") == "" {
			return fmt.Errorf("action_data.assigned_to is required for assign")
		}
	case models.ActionSetPriority:
		if p := rule.ActionString("priority"); p != "" && !validPriorities[p] {
			return fmt.Errorf("action_data.priority must be one of low, normal, high, urgent")
		}
	}
	return nil
}

var validPriorities = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

var validTriggers = map[models.TriggerType]bool{
	models.TriggerGetStarted: true,
	models.TriggerKeyword:    true,
	models.TriggerPostback:   true,
	models.TriggerReferral:   true,
	models.TriggerManual:     true,
}

var validFlowActions = map[string]bool{
	models.FlowActionSendText:         true,
	models.FlowActionSendQuickReplies: true,
	models.FlowActionSendTemplate:     true,
	models.FlowActionSetVariable:      true,
	models.FlowActionDelay:            true,
}

var conditionPrefixes = []string{"text_contains:", "quick_reply_payload:"}

func ValidateFlow(flow *models.ConversationFlow) error {
	if flow.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if strings.TrimSpace(flow.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if flow.FlowType != models.FlowTypeWelcome && flow.FlowType != models.FlowTypeStandard {
		return fmt.Errorf("invalid flow_type: %s", flow.FlowType)
	}
	if !validTriggers[flow.TriggerType] {
		return fmt.Errorf("invalid trigger_type: %s", flow.TriggerType)
	}
	switch flow.TriggerType {
	case models.TriggerKeyword, models.TriggerPostback, models.TriggerReferral:
		if strings.TrimSpace(flow.TriggerValue) == "" {
			return fmt.Errorf("trigger_value is required for %s", flow.TriggerType)
		}
	}
	if _, ok := flow.Steps[models.StepStart]; !ok {
		return fmt.Errorf("steps must contain %q", models.StepStart)
	}

	for name, step := range flow.Steps {
		for i, action := range step.Actions {
			if !validFlowActions[action.Type] {
				return fmt.Errorf("step %q action[%d]: unknown type %q", name, i, action.Type)
			}
		}
		targets := []string{step.Next, step.DefaultNext}
		for i, branch := range step.Branches {
			if !validBranchCondition(branch.Condition) {
				return fmt.Errorf("step %q branch[%d]: invalid condition %q", name, i, branch.Condition)
			}
			targets = append(targets, branch.Step)
		}
		for _, target := range targets {
			if target == "" || target == models.StepEnd {
				continue
			}
			if _, ok := flow.Steps[target]; !ok {
				return fmt.Errorf("step %q points to unknown step %q", name, target)
			}
		}
	}
	return nil
}

func validBranchCondition(condition string) bool {
	if condition == "has_attachment" {
		return true
	}
	for _, prefix := range conditionPrefixes {
		if strings.HasPrefix(condition, prefix) && len(condition) > len(prefix) {
			return true
		}
	}
	return false
}
