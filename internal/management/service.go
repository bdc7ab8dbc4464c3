package management

import (
	"context"
	"encoding/json"

	"switchboard/internal/constants"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/rules"
	pkgerrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

type service struct {
	rules               rules.Repository
	flows               flows.FlowStore
	versioningRepo      VersioningRepository
	configEventProducer *ConfigEventProducer
	logger              logger.Logger
}

type ServiceOption func(*service)

func WithVersioning(versioningRepo VersioningRepository) ServiceOption {
	return func(s *service) {
		s.versioningRepo = versioningRepo
	}
}

func WithConfigEvents(configEventProducer *ConfigEventProducer) ServiceOption {
	return func(s *service) {
		s.configEventProducer = configEventProducer
	}
}

func WithLogger(log logger.Logger) ServiceOption {
	return func(s *service) {
		s.logger = log
	}
}

func NewService(ruleRepo rules.Repository, flowStore flows.FlowStore, opts ...ServiceOption) Service {
	s := &service{
		rules:  ruleRepo,
		flows:  flowStore,
		logger: logger.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.Rule, error) {
	rule := &models.Rule{
		AccountID:      req.AccountID,
		Name:           req.Name,
		ConditionType:  req.ConditionType,
		ConditionValue: req.ConditionValue,
		ActionType:     req.ActionType,
		ActionData:     req.ActionData,
		Priority:       req.Priority,
		IsActive:       getActiveValue(req.IsActive),
	}
	if rule.ActionData == nil {
		rule.ActionData = map[string]interface{}{}
	}
	if err := ValidateRule(rule); err != nil {
		return nil, pkgerrors.ErrValidation.WithMessage(err.Error())
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, wrapStoreError(err)
	}

	s.recordChange(ctx, ObjectRule, rule.ID, models.ActionCreate, nil, rule)
	s.publishRuleEvent(ctx, models.ActionCreate, rule)
	return rule, nil
}

func (s *service) ListRules(ctx context.Context, accountID string) ([]models.Rule, error) {
	list, err := s.rules.List(ctx, accountID)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	if list == nil {
		list = []models.Rule{}
	}
	return list, nil
}

func (s *service) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rule, nil
}

func (s *service) UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*models.Rule, error) {
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	oldValue := toMap(rule)
	wasActive := rule.IsActive

	applyRuleUpdate(rule, req)
	if err := ValidateRule(rule); err != nil {
		return nil, pkgerrors.ErrValidation.WithMessage(err.Error())
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, wrapStoreError(err)
	}

	action := models.ActionUpdate
	if isToggleOnly(req) && wasActive != rule.IsActive {
		action = models.ActionToggle
	}
	s.recordChange(ctx, ObjectRule, rule.ID, action, oldValue, rule)
	s.publishRuleEvent(ctx, action, rule)
	return rule, nil
}

func (s *service) DeleteRule(ctx context.Context, id string) error {
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return wrapStoreError(err)
	}
	if err := s.rules.Delete(ctx, id); err != nil {
		return wrapStoreError(err)
	}
	s.audit(ctx, ObjectRule, id, models.ActionDelete, toMap(rule), nil)
	s.publishRuleEvent(ctx, models.ActionDelete, rule)
	return nil
}

func (s *service) CreateFlow(ctx context.Context, req CreateFlowRequest) (*models.ConversationFlow, error) {
	flow := &models.ConversationFlow{
		AccountID:    req.AccountID,
		Name:         req.Name,
		Description:  req.Description,
		FlowType:     req.FlowType,
		TriggerType:  req.TriggerType,
		TriggerValue: req.TriggerValue,
		Priority:     req.Priority,
		IsActive:     getActiveValue(req.IsActive),
		Steps:        req.Steps,
	}
	if flow.FlowType == "" {
		flow.FlowType = models.FlowTypeStandard
	}
	if err := ValidateFlow(flow); err != nil {
		return nil, pkgerrors.ErrValidation.WithMessage(err.Error())
	}

	if err := s.flows.Save(ctx, flow); err != nil {
		return nil, wrapStoreError(err)
	}

	s.recordChange(ctx, ObjectFlow, flow.ID, models.ActionCreate, nil, flow)
	s.publishFlowEvent(ctx, models.ActionCreate, flow)
	return flow, nil
}

func (s *service) ListFlows(ctx context.Context, accountID string) ([]models.ConversationFlow, error) {
	list, err := s.flows.List(ctx, accountID)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	if list == nil {
		list = []models.ConversationFlow{}
	}
	return list, nil
}

func (s *service) GetFlow(ctx context.Context, id string) (*models.ConversationFlow, error) {
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return flow, nil
}

func (s *service) UpdateFlow(ctx context.Context, id string, req UpdateFlowRequest) (*models.ConversationFlow, error) {
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	oldValue := toMap(flow)

	applyFlowUpdate(flow, req)
	if err := ValidateFlow(flow); err != nil {
		return nil, pkgerrors.ErrValidation.WithMessage(err.Error())
	}
	if err := s.flows.Save(ctx, flow); err != nil {
		return nil, wrapStoreError(err)
	}

	s.recordChange(ctx, ObjectFlow, flow.ID, models.ActionUpdate, oldValue, flow)
	s.publishFlowEvent(ctx, models.ActionUpdate, flow)
	return flow, nil
}

func (s *service) DeleteFlow(ctx context.Context, id string) error {
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		return wrapStoreError(err)
	}
	if err := s.flows.Delete(ctx, id); err != nil {
		return wrapStoreError(err)
	}
	s.audit(ctx, ObjectFlow, id, models.ActionDelete, toMap(flow), nil)
	s.publishFlowEvent(ctx, models.ActionDelete, flow)
	return nil
}

func (s *service) GetFlowStats(ctx context.Context, id string) (*FlowStats, error) {
	flow, err := s.flows.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return &FlowStats{
		FlowID:          flow.ID,
		Name:            flow.Name,
		UsageCount:      flow.UsageCount,
		CompletionCount: flow.CompletionCount,
		CompletionRate:  flow.CompletionRate(),
	}, nil
}

func (s *service) GetVersions(ctx context.Context, objectID string) ([]Version, error) {
	if s.versioningRepo == nil {
		return nil, pkgerrors.ErrInternal.WithMessage("versioning not enabled")
	}
	versions, err := s.versioningRepo.GetVersions(ctx, objectID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return versions, nil
}

func (s *service) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error) {
	if s.versioningRepo == nil {
		return nil, pkgerrors.ErrInternal.WithMessage("audit logging not enabled")
	}
	if filter.Limit <= 0 || filter.Limit > constants.MaxLimit {
		filter.Limit = constants.DefaultLimit
	}
	logs, err := s.versioningRepo.GetAuditLogs(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return logs, nil
}

// recordChange stores a new version of the object and an audit entry. History
// failures are logged and never fail the write that caused them.
func (s *service) recordChange(ctx context.Context, objectType, id, action string, oldValue map[string]interface{}, current interface{}) {
	if s.versioningRepo == nil {
		return
	}

	data, err := json.Marshal(current)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to marshal version", "object_id", id, "error", err)
		return
	}
	next, err := s.versioningRepo.GetNextVersion(ctx, id)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to get next version", "object_id", id, "error", err)
		return
	}
	version := &Version{
		ObjectID:   id,
		ObjectType: objectType,
		Data:       data,
		Version:    next,
		ChangedBy:  ChangedBy(ctx),
	}
	if err := s.versioningRepo.CreateVersion(ctx, version); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to store version", "object_id", id, "error", err)
		return
	}

	s.audit(ctx, objectType, id, action, oldValue, toMap(current))
}

func (s *service) audit(ctx context.Context, objectType, id, action string, oldValue, newValue map[string]interface{}) {
	if s.versioningRepo == nil {
		return
	}
	entry := &AuditLog{
		ObjectID:   &id,
		ObjectType: objectType,
		Action:     action,
		OldValue:   oldValue,
		NewValue:   newValue,
		ChangedBy:  ChangedBy(ctx),
		IPAddress:  clientIP(ctx),
	}
	if err := s.versioningRepo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to write audit log", "object_id", id, "error", err)
	}
}

func (s *service) publishRuleEvent(ctx context.Context, action string, rule *models.Rule) {
	if err := s.configEventProducer.PublishRuleEvent(ctx, action, rule, ChangedBy(ctx)); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to publish rule update", "rule_id", rule.ID, "action", action, "error", err)
	}
}

func (s *service) publishFlowEvent(ctx context.Context, action string, flow *models.ConversationFlow) {
	if err := s.configEventProducer.PublishFlowEvent(ctx, action, flow, ChangedBy(ctx)); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to publish flow update", "flow_id", flow.ID, "action", action, "error", err)
	}
}

func applyRuleUpdate(rule *models.Rule, req UpdateRuleRequest) {
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.ConditionType != nil {
		rule.ConditionType = *req.ConditionType
	}
	if req.ConditionValue != nil {
		rule.ConditionValue = *req.ConditionValue
	}
	if req.ActionType != nil {
		rule.ActionType = *req.ActionType
	}
	if req.ActionData != nil {
		rule.ActionData = *req.ActionData
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
}

func isToggleOnly(req UpdateRuleRequest) bool {
	return req.IsActive != nil && req.Name == nil && req.ConditionType == nil && req.ConditionValue == nil &&
		req.ActionType == nil && req.ActionData == nil && req.Priority == nil
}

func applyFlowUpdate(flow *models.ConversationFlow, req UpdateFlowRequest) {
	if req.Name != nil {
		flow.Name = *req.Name
	}
	if req.Description != nil {
		flow.Description = *req.Description
	}
	if req.FlowType != nil {
		flow.FlowType = *req.FlowType
	}
	if req.TriggerType != nil {
		flow.TriggerType = *req.TriggerType
	}
	if req.TriggerValue != nil {
		flow.TriggerValue = *req.TriggerValue
	}
	if req.Priority != nil {
		flow.Priority = *req.Priority
	}
	if req.IsActive != nil {
		flow.IsActive = *req.IsActive
	}
	if req.Steps != nil {
		flow.Steps = *req.Steps
	}
}

func wrapStoreError(err error) error {
	if pkgerrors.IsNotFound(err) || pkgerrors.IsConflict(err) || pkgerrors.IsValidation(err) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func getActiveValue(active *bool) bool {
	if active == nil {
		return true
	}
	return *active
}

type changedByKey struct{}
type clientIPKey struct{}

// WithChangedBy records who issued a management request.
func WithChangedBy(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, changedByKey{}, who)
}

func ChangedBy(ctx context.Context) string {
	if who, ok := ctx.Value(changedByKey{}).(string); ok && who != "" {
		return who
	}
	return "system"
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
