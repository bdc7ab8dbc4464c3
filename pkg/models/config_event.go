package models

import "time"

type ConfigUpdateEvent struct {
	EventType string                 `json:"event_type"` // "rule_updated", "flow_updated"
	AccountID string                 `json:"account_id,omitempty"`
	ObjectID  string                 `json:"object_id,omitempty"`
	Action    string                 `json:"action"` // "create", "update", "delete", "toggle", "reload"
	Timestamp time.Time              `json:"timestamp"`
	ChangedBy string                 `json:"changed_by,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

const (
	EventTypeRuleUpdated = "rule_updated"
	EventTypeFlowUpdated = "flow_updated"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionToggle = "toggle"
	ActionReload = "reload"
)
