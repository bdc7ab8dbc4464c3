package models

import (
	"encoding/json"
	"time"
)

type FlowType string

const (
	FlowTypeWelcome  FlowType = "welcome"
	FlowTypeStandard FlowType = "standard"
)

type TriggerType string

const (
	TriggerGetStarted TriggerType = "getStarted"
	TriggerKeyword    TriggerType = "keyword"
	TriggerPostback   TriggerType = "postback"
	TriggerReferral   TriggerType = "referral"
	TriggerManual     TriggerType = "manual"
)

const (
	StepStart = "start"
	StepEnd   = "end"
)

// Flow action types.
const (
	FlowActionSendText         = "send_text"
	FlowActionSendQuickReplies = "send_quick_replies"
	FlowActionSendTemplate     = "send_template"
	FlowActionSetVariable      = "set_variable"
	FlowActionDelay            = "delay"
)

type FlowAction struct {
	Type   string                 `json:"type" bson:"type"`
	Params map[string]interface{} `json:"params,omitempty" bson:"params,omitempty"`
}

// Branch selects Step when Condition holds, e.g. "text_contains:yes".
type Branch struct {
	Condition string `json:"condition" bson:"condition"`
	Step      string `json:"next_step" bson:"next_step"`
}

// FlowStep is one state of a flow. Next is either a fixed step name or, when
// Branches is set, the first branch whose condition holds; DefaultNext
// applies when no branch matches.
type FlowStep struct {
	Actions     []FlowAction `json:"actions,omitempty" bson:"actions,omitempty"`
	Next        string       `json:"-" bson:"next,omitempty"`
	Branches    []Branch     `json:"-" bson:"branches,omitempty"`
	DefaultNext string       `json:"default_next,omitempty" bson:"default_next,omitempty"`
}

type flowStepJSON struct {
	Actions     []FlowAction    `json:"actions,omitempty"`
	Next        json.RawMessage `json:"next,omitempty"`
	DefaultNext string          `json:"default_next,omitempty"`
}

// UnmarshalJSON accepts "next" as a step name or as a list of branches.
func (s *FlowStep) UnmarshalJSON(data []byte) error {
	var raw flowStepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Actions = raw.Actions
	s.DefaultNext = raw.DefaultNext
	s.Next = ""
	s.Branches = nil
	if len(raw.Next) == 0 || string(raw.Next) == "null" {
		return nil
	}
	if raw.Next[0] == '"' {
		return json.Unmarshal(raw.Next, &s.Next)
	}
	return json.Unmarshal(raw.Next, &s.Branches)
}

func (s FlowStep) MarshalJSON() ([]byte, error) {
	out := flowStepJSON{Actions: s.Actions, DefaultNext: s.DefaultNext}
	var err error
	switch {
	case len(s.Branches) > 0:
		out.Next, err = json.Marshal(s.Branches)
	case s.Next != "":
		out.Next, err = json.Marshal(s.Next)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ConversationFlow is a scripted state machine started by a trigger.
type ConversationFlow struct {
	ID              string              `json:"id" bson:"_id"`
	AccountID       string              `json:"account_id" bson:"account_id"`
	Name            string              `json:"name" bson:"name"`
	Description     string              `json:"description,omitempty" bson:"description,omitempty"`
	FlowType        FlowType            `json:"flow_type" bson:"flow_type"`
	TriggerType     TriggerType         `json:"trigger_type" bson:"trigger_type"`
	TriggerValue    string              `json:"trigger_value,omitempty" bson:"trigger_value,omitempty"`
	Priority        int                 `json:"priority" bson:"priority"`
	IsActive        bool                `json:"is_active" bson:"is_active"`
	Steps           map[string]FlowStep `json:"steps" bson:"steps"`
	UsageCount      int64               `json:"usage_count" bson:"usage_count"`
	CompletionCount int64               `json:"completion_count" bson:"completion_count"`
	CreatedAt       time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" bson:"updated_at"`
}

// CompletionRate is completions per start, 0 before the first start.
func (f *ConversationFlow) CompletionRate() float64 {
	if f.UsageCount == 0 {
		return 0
	}
	return float64(f.CompletionCount) / float64(f.UsageCount)
}

// FlowUserState tracks where one channel user is inside the flows of an account.
// CurrentFlowID and CurrentStep are either both set or both empty.
type FlowUserState struct {
	ChannelUserID     string                 `json:"channel_user_id" bson:"channel_user_id"`
	AccountID         string                 `json:"account_id" bson:"account_id"`
	CurrentFlowID     string                 `json:"current_flow_id,omitempty" bson:"current_flow_id,omitempty"`
	CurrentStep       string                 `json:"current_step,omitempty" bson:"current_step,omitempty"`
	ContextVariables  map[string]interface{} `json:"context_variables,omitempty" bson:"context_variables,omitempty"`
	InHandover        bool                   `json:"in_handover" bson:"in_handover"`
	HandoverAppID     string                 `json:"handover_app_id,omitempty" bson:"handover_app_id,omitempty"`
	HandoverMetadata  string                 `json:"handover_metadata,omitempty" bson:"handover_metadata,omitempty"`
	LastInteractionAt time.Time              `json:"last_interaction_at" bson:"last_interaction_at"`
	UpdatedAt         time.Time              `json:"updated_at" bson:"updated_at"`
}

func (s *FlowUserState) InFlow() bool {
	return s.CurrentFlowID != "" && s.CurrentStep != ""
}

func (s *FlowUserState) Enter(flowID, step string) {
	s.CurrentFlowID = flowID
	s.CurrentStep = step
}

// Reset leaves the current flow and drops its variables.
func (s *FlowUserState) Reset() {
	s.CurrentFlowID = ""
	s.CurrentStep = ""
	s.ContextVariables = nil
}

func (s *FlowUserState) SetVariable(name string, value interface{}) {
	if s.ContextVariables == nil {
		s.ContextVariables = make(map[string]interface{})
	}
	s.ContextVariables[name] = value
}
