// Package rules matches inbound messages against per-account automation rules
// and executes their actions.
package rules

import (
	"context"
	"strings"

	"switchboard/internal/logger"
	"switchboard/pkg/cel"
	"switchboard/pkg/models"
)

// Matches reports whether msg satisfies one of the built-in conditions.
// Comparisons are case-insensitive. celExpression and unknown condition
// types never match here; use Matcher for those.
func Matches(rule *models.Rule, msg *models.CanonicalMessage) bool {
	if rule == nil || msg == nil {
		return false
	}
	value := strings.ToLower(strings.TrimSpace(rule.ConditionValue))
	from := strings.ToLower(strings.TrimSpace(msg.SenderIdentifier))

	switch rule.ConditionType {
	case models.ConditionFromContains:
		return strings.Contains(from, value)
	case models.ConditionFromEquals:
		return from == value
	case models.ConditionSubjectContains:
		return strings.Contains(strings.ToLower(msg.Subject), value)
	case models.ConditionSubjectEquals:
		return strings.ToLower(strings.TrimSpace(msg.Subject)) == value
	case models.ConditionBodyContains:
		body := strings.ToLower(msg.ContentText + " " + msg.ContentHTML)
		return strings.Contains(body, value)
	case models.ConditionHasAttachment:
		return msg.HasAttachments()
	case models.ConditionDomainEquals:
		return value != "" && msg.SenderDomain() == value
	}
	return false
}

// Matcher extends Matches with CEL conditions and logs unknown condition types.
type Matcher struct {
	evaluator *cel.Evaluator
	logger    logger.Logger
}

func NewMatcher(evaluator *cel.Evaluator, log logger.Logger) *Matcher {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Matcher{evaluator: evaluator, logger: log}
}

func (m *Matcher) Matches(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage) bool {
	if rule == nil || msg == nil {
		return false
	}

	switch {
	case rule.ConditionType == models.ConditionCELExpression:
		if m.evaluator == nil {
			m.logger.WarnwCtx(ctx, "CEL rule skipped, no evaluator configured", "rule_id", rule.ID)
			return false
		}
		ok, err := m.evaluator.EvaluateFilter(ctx, rule.ConditionValue, msg)
		if err != nil {
			m.logger.ErrorwCtx(ctx, "Rule evaluation error",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", err,
			)
			return false
		}
		return ok
	case !rule.ConditionType.Valid():
		m.logger.WarnwCtx(ctx, "Unhandled rule condition type",
			"rule_id", rule.ID,
			"condition_type", rule.ConditionType,
		)
		return false
	}
	return Matches(rule, msg)
}
