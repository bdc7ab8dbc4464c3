package models

import "time"

type ConditionType string

const (
	ConditionFromContains    ConditionType = "fromContains"
	ConditionFromEquals      ConditionType = "fromEquals"
	ConditionSubjectContains ConditionType = "subjectContains"
	ConditionSubjectEquals   ConditionType = "subjectEquals"
	ConditionBodyContains    ConditionType = "bodyContains"
	ConditionHasAttachment   ConditionType = "hasAttachment"
	ConditionDomainEquals    ConditionType = "domainEquals"
	ConditionCELExpression   ConditionType = "celExpression"
)

func (c ConditionType) Valid() bool {
	switch c {
	case ConditionFromContains, ConditionFromEquals, ConditionSubjectContains, ConditionSubjectEquals,
		ConditionBodyContains, ConditionHasAttachment, ConditionDomainEquals, ConditionCELExpression:
		return true
	}
	return false
}

type ActionType string

const (
	ActionAutoReply   ActionType = "autoReply"
	ActionForward     ActionType = "forward"
	ActionAssign      ActionType = "assign"
	ActionSetPriority ActionType = "setPriority"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionAutoReply, ActionForward, ActionAssign, ActionSetPriority:
		return true
	}
	return false
}

// Rule is one condition/action pair evaluated against inbound messages of an account.
type Rule struct {
	ID             string                 `json:"id"`
	AccountID      string                 `json:"account_id"`
	Name           string                 `json:"name"`
	ConditionType  ConditionType          `json:"condition_type"`
	ConditionValue string                 `json:"condition_value"`
	ActionType     ActionType             `json:"action_type"`
	ActionData     map[string]interface{} `json:"action_data"`
	Priority       int                    `json:"priority"`
	IsActive       bool                   `json:"is_active"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ActionString returns ActionData[key] when it is a string.
func (r *Rule) ActionString(key string) string {
	s, _ := r.ActionData[key].(string)
	return s
}

// EmailTemplate is an auto-reply body referenced by autoReply rules.
type EmailTemplate struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	BodyText  string    `json:"body_text"`
	BodyHTML  string    `json:"body_html,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
