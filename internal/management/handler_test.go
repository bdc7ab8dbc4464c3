package management

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/broker"
	"switchboard/internal/flows"
	"switchboard/internal/logger"
	"switchboard/internal/rules"
	"switchboard/pkg/models"
)

const configTopic = "config_updates"

type apiFixture struct {
	router   *gin.Engine
	producer *broker.MemoryProducer
	flows    *flows.MemoryStore
	history  *MemoryVersioningRepository
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	producer := broker.NewMemoryProducer()
	flowStore := flows.NewMemoryStore()
	history := NewMemoryVersioningRepository()
	svc := NewService(rules.NewMemoryRepository(), flowStore,
		WithVersioning(history),
		WithConfigEvents(NewConfigEventProducer(producer, configTopic)),
	)

	router := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(router)
	return &apiFixture{router: router, producer: producer, flows: flowStore, history: history}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(changedByHeader, "ops@example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *apiFixture) configEvents(t *testing.T) []models.ConfigUpdateEvent {
	t.Helper()
	var events []models.ConfigUpdateEvent
	for _, env := range f.producer.Published(configTopic) {
		require.Equal(t, models.KindConfigUpdate, env.Kind)
		var ev models.ConfigUpdateEvent
		require.NoError(t, env.DecodePayload(&ev))
		events = append(events, ev)
	}
	return events
}

func validRule() CreateRuleRequest {
	return CreateRuleRequest{
		AccountID:      "acct-1",
		Name:           "vip",
		ConditionType:  models.ConditionDomainEquals,
		ConditionValue: "bigcustomer.com",
		ActionType:     models.ActionSetPriority,
		ActionData:     map[string]interface{}{"priority": "high"},
		Priority:       10,
	}
}

func TestRulesCRUD(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/rules", validRule())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Rule](t, w)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive, "rules are active unless stated otherwise")

	w = f.do(t, http.MethodGet, "/api/v1/rules?account_id=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Rule](t, w), 1)

	w = f.do(t, http.MethodGet, "/api/v1/rules?account_id=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	inactive := false
	w = f.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, UpdateRuleRequest{IsActive: &inactive})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[models.Rule](t, w).IsActive)

	w = f.do(t, http.MethodDelete, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	events := f.configEvents(t)
	require.Len(t, events, 3)
	assert.Equal(t, models.ActionCreate, events[0].Action)
	assert.Equal(t, models.ActionToggle, events[1].Action)
	assert.Equal(t, models.ActionDelete, events[2].Action)
	for _, ev := range events {
		assert.Equal(t, models.EventTypeRuleUpdated, ev.EventType)
		assert.Equal(t, "acct-1", ev.AccountID)
		assert.Equal(t, created.ID, ev.ObjectID)
		assert.Equal(t, "ops@example.com", ev.ChangedBy)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateRuleRequest)
	}{
		{"unknown condition", func(r *CreateRuleRequest) { r.ConditionType = "regexMatch" }},
		{"unknown action", func(r *CreateRuleRequest) { r.ActionType = "archive" }},
		{"missing condition value", func(r *CreateRuleRequest) { r.ConditionValue = "" }},
		{"bad priority", func(r *CreateRuleRequest) { r.ActionData = map[string]interface{}{"priority": "asap"} }},
		{"auto reply without template", func(r *CreateRuleRequest) {
			r.ActionType = models.ActionAutoReply
			r.ActionData = nil
		}},
		{"non boolean CEL", func(r *CreateRuleRequest) {
			r.ConditionType = models.ConditionCELExpression
			r.ConditionValue = `subject + "x"`
		}},
		{"broken CEL", func(r *CreateRuleRequest) {
			r.ConditionType = models.ConditionCELExpression
			r.ConditionValue = `subject ==`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			req := validRule()
			tt.mutate(&req)

			w := f.do(t, http.MethodPost, "/api/v1/rules", req)

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Empty(t, f.producer.Published(configTopic))
		})
	}

	t.Run("valid CEL", func(t *testing.T) {
		f := newAPIFixture(t)
		req := validRule()
		req.ConditionType = models.ConditionCELExpression
		req.ConditionValue = `sender_domain == "bigcustomer.com" && has_attachments`

		w := f.do(t, http.MethodPost, "/api/v1/rules", req)
		assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{"name": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func welcomeFlowRequest() CreateFlowRequest {
	return CreateFlowRequest{
		AccountID:   "fb-1",
		Name:        "Welcome",
		FlowType:    models.FlowTypeWelcome,
		TriggerType: models.TriggerGetStarted,
		Steps: map[string]models.FlowStep{
			"start": {
				Actions: []models.FlowAction{{Type: models.FlowActionSendText, Params: map[string]interface{}{"text": "Hi {{first_name}}"}}},
				Branches: []models.Branch{
					{Condition: "quick_reply_payload:SALES", Step: "sales"},
				},
				DefaultNext: models.StepEnd,
			},
			"sales": {Next: models.StepEnd},
		},
	}
}

func TestFlowsCreateAndStats(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/flows", welcomeFlowRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	flow := decode[models.ConversationFlow](t, w)
	require.NotEmpty(t, flow.ID)
	assert.Len(t, flow.Steps["start"].Branches, 1)

	ctx := t.Context()
	require.NoError(t, f.flows.IncrementUsage(ctx, flow.ID))
	require.NoError(t, f.flows.IncrementUsage(ctx, flow.ID))
	require.NoError(t, f.flows.IncrementUsage(ctx, flow.ID))
	require.NoError(t, f.flows.IncrementUsage(ctx, flow.ID))
	require.NoError(t, f.flows.IncrementCompletion(ctx, flow.ID))

	w = f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[FlowStats](t, w)
	assert.Equal(t, int64(4), stats.UsageCount)
	assert.Equal(t, int64(1), stats.CompletionCount)
	assert.InDelta(t, 0.25, stats.CompletionRate, 1e-9)

	w = f.do(t, http.MethodGet, "/api/v1/flows?account_id=fb-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ConversationFlow](t, w), 1)

	events := f.configEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeFlowUpdated, events[0].EventType)
	assert.Equal(t, flow.ID, events[0].ObjectID)

	w = f.do(t, http.MethodGet, "/api/v1/flows/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateFlowKeepsCounters(t *testing.T) {
	f := newAPIFixture(t)
	flow := decode[models.ConversationFlow](t, f.do(t, http.MethodPost, "/api/v1/flows", welcomeFlowRequest()))
	require.NoError(t, f.flows.IncrementUsage(t.Context(), flow.ID))

	name := "Welcome v2"
	w := f.do(t, http.MethodPut, "/api/v1/flows/"+flow.ID, UpdateFlowRequest{Name: &name})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stats := decode[FlowStats](t, f.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/stats", nil))
	assert.Equal(t, "Welcome v2", stats.Name)
	assert.Equal(t, int64(1), stats.UsageCount)
}

func TestCreateFlowValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateFlowRequest)
	}{
		{"no start step", func(r *CreateFlowRequest) { delete(r.Steps, "start") }},
		{"dangling step", func(r *CreateFlowRequest) { r.Steps["sales"] = models.FlowStep{Next: "checkout"} }},
		{"unknown action", func(r *CreateFlowRequest) {
			r.Steps["sales"] = models.FlowStep{Actions: []models.FlowAction{{Type: "send_email"}}}
		}},
		{"bad branch condition", func(r *CreateFlowRequest) {
			start := r.Steps["start"]
			start.Branches = []models.Branch{{Condition: "text_contains:", Step: "sales"}}
			r.Steps["start"] = start
		}},
		{"keyword without value", func(r *CreateFlowRequest) { r.TriggerType = models.TriggerKeyword }},
		{"unknown trigger", func(r *CreateFlowRequest) { r.TriggerType = "schedule" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			req := welcomeFlowRequest()
			tt.mutate(&req)

			w := f.do(t, http.MethodPost, "/api/v1/flows", req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHistoryIsRecorded(t *testing.T) {
	f := newAPIFixture(t)
	rule := decode[models.Rule](t, f.do(t, http.MethodPost, "/api/v1/rules", validRule()))

	name := "vip customers"
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/rules/"+rule.ID, UpdateRuleRequest{Name: &name}).Code)

	versions := decode[[]Version](t, f.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID+"/versions", nil))
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, ObjectRule, versions[0].ObjectType)

	logs := decode[[]AuditLog](t, f.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID+"/audit", nil))
	require.Len(t, logs, 2)
	assert.Equal(t, models.ActionUpdate, logs[0].Action)
	assert.Equal(t, "vip", logs[0].OldValue["name"])
	assert.Equal(t, "vip customers", logs[0].NewValue["name"])
	assert.Equal(t, "ops@example.com", logs[0].ChangedBy)

	all := decode[[]AuditLog](t, f.do(t, http.MethodGet, "/api/v1/audit/logs?object_type=flow", nil))
	assert.Empty(t, all)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newAPIFixture(t)
	f.producer.FailWith(assert.AnError)

	w := f.do(t, http.MethodPost, "/api/v1/rules", validRule())
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestConditionExamplesAllValidate(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/rules/condition-examples", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		ConditionType string            `json:"condition_type"`
		Examples      map[string]string `json:"examples"`
	}](t, w)
	assert.Equal(t, "celExpression", body.ConditionType)
	require.NotEmpty(t, body.Examples)

	for name, expr := range body.Examples {
		rule := validRule()
		rule.Name = name
		rule.ConditionType = models.ConditionCELExpression
		rule.ConditionValue = expr
		w := f.do(t, http.MethodPost, "/api/v1/rules", rule)
		assert.Equal(t, http.StatusCreated, w.Code, "%s: %s", name, w.Body.String())
	}
}
