// Package flows runs scripted conversation flows for chat channels: trigger
// matching, the per-user step machine, and the handover protocol.
package flows

import (
	"context"
	"strings"
	"sync"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/result"
	"switchboard/pkg/tracing"
)

// PayloadGetStarted is the postback sent by the Messenger Get Started button.
const PayloadGetStarted = "GET_STARTED"

const defaultReloadInterval = 60 * time.Second

// Profile holds the user fields exposed to flow templates.
type Profile struct {
	FirstName string
	LastName  string
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ProfileSource looks up a channel user's name.
type ProfileSource interface {
	Profile(ctx context.Context, accountID, userID string) (Profile, error)
}

// Transition reports what one event did to a user's flow state.
type Transition struct {
	FlowID    string
	FromStep  string
	ToStep    string
	Started   bool
	Completed bool
}

type Engine struct {
	store    Store
	profiles ProfileSource
	cfg      config.FlowsConfig
	logger   logger.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	byAccount map[string][]models.ConversationFlow
}

func NewEngine(store Store, profiles ProfileSource, cfg config.FlowsConfig, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Engine{
		store:     store,
		profiles:  profiles,
		cfg:       cfg,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
		byAccount: make(map[string][]models.ConversationFlow),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload replaces the cached active flow definitions.
func (e *Engine) Reload(ctx context.Context) error {
	flows, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}
	byAccount := make(map[string][]models.ConversationFlow)
	for _, f := range flows {
		byAccount[f.AccountID] = append(byAccount[f.AccountID], f)
	}
	for _, list := range byAccount {
		sortFlows(list)
	}

	e.mu.Lock()
	e.byAccount = byAccount
	e.mu.Unlock()

	e.logger.InfowCtx(ctx, "Successfully reloaded flows", "flows_count", len(flows))
	return nil
}

func (e *Engine) StartReloader(ctx context.Context) error {
	interval := time.Duration(e.cfg.Reload.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := e.Reload(ctx); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to reload flows", "error", err)
	}
	for {
		select {
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.ErrorwCtx(ctx, "Failed to reload flows", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) active(accountID string) []models.ConversationFlow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byAccount[accountID]
}

func (e *Engine) flow(ctx context.Context, accountID, id string) (*models.ConversationFlow, error) {
	for _, f := range e.active(accountID) {
		if f.ID == id {
			f := f
			return &f, nil
		}
	}
	return e.store.Get(ctx, id)
}

// session carries the per-event context of one Handle call.
type session struct {
	accountID string
	state     *models.FlowUserState
	input     *input
	out       channel.OutboundAdapter
	profile   *Profile
}

type input struct {
	text              string
	quickReplyPayload string
	hasAttachment     bool
}

func inputOf(ev channel.Event) *input {
	if ev.Message == nil {
		return &input{text: ev.Title, quickReplyPayload: ev.Payload}
	}
	return &input{
		text:              ev.Message.ContentText,
		quickReplyPayload: ev.Message.QuickReplyPayload,
		hasAttachment:     ev.Message.HasAttachments(),
	}
}

// Handle advances the sender's flow state for one chat event and sends the
// resulting replies through out.
func (e *Engine) Handle(ctx context.Context, accountID string, ev channel.Event, out channel.OutboundAdapter) result.Result[Transition] {
	ctx, span := tracing.GetTracer("flows").Start(ctx, "flows.handle")
	defer span.End()

	if ev.SenderID == "" {
		return result.Ignored[Transition]("event has no sender")
	}

	state, err := e.loadState(ctx, accountID, ev.SenderID)
	if err != nil {
		return result.Failed[Transition](err)
	}
	state.LastInteractionAt = e.now()

	s := &session{accountID: accountID, state: state, out: out}
	res := e.dispatch(ctx, s, ev)

	if err := e.store.SaveState(ctx, state); err != nil {
		return result.Failed[Transition](err)
	}
	metrics.IncFlowEvent(string(ev.Kind), res.Kind().String())
	return res
}

func (e *Engine) loadState(ctx context.Context, accountID, userID string) (*models.FlowUserState, error) {
	state, err := e.store.GetState(ctx, accountID, userID)
	if apperrors.IsNotFound(err) {
		return &models.FlowUserState{AccountID: accountID, ChannelUserID: userID}, nil
	}
	return state, err
}

func (e *Engine) dispatch(ctx context.Context, s *session, ev channel.Event) result.Result[Transition] {
	if ev.Kind == channel.EventHandover {
		return e.handover(ctx, s.state, ev.Handover)
	}
	if s.state.InHandover {
		return result.Ignored[Transition]("conversation is handed over")
	}

	switch ev.Kind {
	case channel.EventOptin:
		return e.startWelcome(ctx, s)
	case channel.EventReferral:
		return e.startMatching(ctx, s, func(f models.ConversationFlow) bool {
			return f.TriggerType == models.TriggerReferral && f.TriggerValue == ev.Payload
		}, "no referral flow")
	case channel.EventPostback:
		if ev.Payload == PayloadGetStarted {
			return e.startWelcome(ctx, s)
		}
		if s.state.InFlow() {
			return e.continueFlow(ctx, s, inputOf(ev))
		}
		return e.startMatching(ctx, s, func(f models.ConversationFlow) bool {
			return f.TriggerType == models.TriggerPostback && f.TriggerValue == ev.Payload
		}, "no postback flow")
	case channel.EventMessage:
		in := inputOf(ev)
		if s.state.InFlow() {
			return e.continueFlow(ctx, s, in)
		}
		text := strings.ToLower(strings.TrimSpace(in.text))
		return e.startMatching(ctx, s, func(f models.ConversationFlow) bool {
			return f.TriggerType == models.TriggerKeyword && keywordMatch(f.TriggerValue, text)
		}, "no keyword flow")
	}
	return result.Ignored[Transition]("event kind " + string(ev.Kind) + " does not drive flows")
}

func keywordMatch(triggerValue, text string) bool {
	if text == "" {
		return false
	}
	for _, kw := range strings.Split(strings.ToLower(triggerValue), ",") {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (e *Engine) handover(ctx context.Context, state *models.FlowUserState, h *channel.Handover) result.Result[Transition] {
	if h == nil {
		return result.Ignored[Transition]("handover without action")
	}
	switch h.Action {
	case channel.HandoverPass:
		state.InHandover = true
		state.HandoverAppID = h.AppID
		state.HandoverMetadata = h.Metadata
		state.Reset()
		e.logger.InfowCtx(ctx, "Thread control passed", "user_id", state.ChannelUserID, "app_id", h.AppID)
		return result.Ok(Transition{})
	case channel.HandoverTake:
		state.InHandover = false
		state.HandoverAppID = ""
		state.HandoverMetadata = ""
		e.logger.InfowCtx(ctx, "Thread control taken", "user_id", state.ChannelUserID, "previous_app_id", h.AppID)
		return result.Ok(Transition{})
	}
	e.logger.InfowCtx(ctx, "Thread control requested", "user_id", state.ChannelUserID, "app_id", h.AppID)
	return result.Ignored[Transition]("thread control request recorded")
}

func (e *Engine) startWelcome(ctx context.Context, s *session) result.Result[Transition] {
	return e.startMatching(ctx, s, func(f models.ConversationFlow) bool {
		return f.FlowType == models.FlowTypeWelcome || f.TriggerType == models.TriggerGetStarted
	}, "no welcome flow")
}

// startMatching starts the highest priority active flow accepted by match.
func (e *Engine) startMatching(ctx context.Context, s *session, match func(models.ConversationFlow) bool, reason string) result.Result[Transition] {
	for _, f := range e.active(s.accountID) {
		if match(f) {
			f := f
			return e.start(ctx, s, &f)
		}
	}
	return result.Ignored[Transition](reason)
}

func (e *Engine) start(ctx context.Context, s *session, flow *models.ConversationFlow) result.Result[Transition] {
	if err := e.store.IncrementUsage(ctx, flow.ID); err != nil {
		return result.Failed[Transition](err)
	}
	metrics.IncFlowLifecycle("started")

	s.state.Reset()
	s.state.Enter(flow.ID, models.StepStart)
	s.state.SetVariable("flow_started_at", e.now().Format(time.RFC3339))
	e.logger.InfowCtx(ctx, "Flow started", "flow_id", flow.ID, "user_id", s.state.ChannelUserID)

	s.input = nil
	res := e.runStep(ctx, s, flow, models.StepStart)
	if res.IsOk() {
		t := res.Value()
		t.Started = true
		return result.Ok(t)
	}
	return res
}

func (e *Engine) continueFlow(ctx context.Context, s *session, in *input) result.Result[Transition] {
	flow, err := e.flow(ctx, s.accountID, s.state.CurrentFlowID)
	if apperrors.IsNotFound(err) {
		e.logger.WarnwCtx(ctx, "Active flow no longer exists, leaving it", "flow_id", s.state.CurrentFlowID)
		s.state.Reset()
		return result.Ignored[Transition]("flow removed")
	}
	if err != nil {
		return result.Failed[Transition](err)
	}
	s.input = in
	return e.runStep(ctx, s, flow, s.state.CurrentStep)
}

// runStep executes the actions of step and moves the user to the next one.
func (e *Engine) runStep(ctx context.Context, s *session, flow *models.ConversationFlow, stepName string) result.Result[Transition] {
	step, ok := flow.Steps[stepName]
	if !ok {
		e.logger.WarnwCtx(ctx, "Flow step not found", "flow_id", flow.ID, "step", stepName)
		s.state.Reset()
		return result.Ignored[Transition]("step " + stepName + " not found")
	}

	for _, action := range step.Actions {
		if err := e.runAction(ctx, s, action); err != nil {
			if ctx.Err() != nil {
				return result.Failed[Transition](ctx.Err())
			}
			e.logger.ErrorwCtx(ctx, "Flow action failed",
				"flow_id", flow.ID,
				"step", stepName,
				"action", action.Type,
				"error", err,
			)
		}
	}

	t := Transition{FlowID: flow.ID, FromStep: stepName}
	next := nextStep(step, s.input)
	if next == "" || next == models.StepEnd {
		if err := e.store.IncrementCompletion(ctx, flow.ID); err != nil {
			return result.Failed[Transition](err)
		}
		metrics.IncFlowLifecycle("completed")
		s.state.Reset()
		t.ToStep = models.StepEnd
		t.Completed = true
		e.logger.InfowCtx(ctx, "Flow completed", "flow_id", flow.ID, "user_id", s.state.ChannelUserID)
		return result.Ok(t)
	}

	s.state.CurrentStep = next
	t.ToStep = next
	return result.Ok(t)
}

// nextStep picks the fixed next step, else the first branch whose condition
// holds, else DefaultNext. An empty result ends the flow.
func nextStep(step models.FlowStep, in *input) string {
	if step.Next != "" {
		return step.Next
	}
	for _, b := range step.Branches {
		if conditionHolds(b.Condition, in) {
			return b.Step
		}
	}
	return step.DefaultNext
}

func conditionHolds(condition string, in *input) bool {
	if in == nil {
		return false
	}
	switch {
	case strings.HasPrefix(condition, "text_contains:"):
		want := strings.ToLower(strings.TrimPrefix(condition, "text_contains:"))
		return strings.Contains(strings.ToLower(in.text), want)
	case strings.HasPrefix(condition, "quick_reply_payload:"):
		return in.quickReplyPayload == strings.TrimPrefix(condition, "quick_reply_payload:")
	case condition == "has_attachment":
		return in.hasAttachment
	}
	return false
}
