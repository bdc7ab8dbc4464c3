package rules

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"switchboard/internal/channel"
	"switchboard/internal/logger"
	"switchboard/internal/store"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/result"
	"switchboard/pkg/templating"
	"switchboard/pkg/tracing"
)

const forwardDateLayout = "Mon, Jan 02, 2006 at 03:04 PM"

// Assigner hands a message to an agent or queue.
type Assigner interface {
	Assign(ctx context.Context, msg *models.CanonicalMessage, assignee string) error
}

type noopAssigner struct {
	logger logger.Logger
}

func (a noopAssigner) Assign(ctx context.Context, msg *models.CanonicalMessage, assignee string) error {
	a.logger.InfowCtx(ctx, "Message assigned", "internal_id", msg.InternalID, "assigned_to", assignee)
	return nil
}

// Outbound is the sending side of the account a message arrived on.
type Outbound struct {
	Account channel.Account
	Adapter channel.OutboundAdapter
}

// Outcome describes what a rule did to a message.
type Outcome struct {
	RuleID string
	Action models.ActionType
	// Sent is the outbound message produced by autoReply or forward.
	Sent *models.CanonicalMessage
	// Updated is true when the inbound message itself changed and must be persisted.
	Updated bool
}

type Engine struct {
	matcher   *Matcher
	templates store.TemplateStore
	assigner  Assigner
	logger    logger.Logger
}

func NewEngine(matcher *Matcher, templates store.TemplateStore, assigner Assigner, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NopLogger()
	}
	if matcher == nil {
		matcher = NewMatcher(nil, log)
	}
	if assigner == nil {
		assigner = noopAssigner{logger: log}
	}
	return &Engine{matcher: matcher, templates: templates, assigner: assigner, logger: log}
}

// Apply evaluates rules in priority order, highest first. A failing rule is
// logged and does not stop the rules after it.
func (e *Engine) Apply(ctx context.Context, msg *models.CanonicalMessage, rules []models.Rule, out Outbound) []result.Result[Outcome] {
	ctx, span := tracing.GetTracer("rules").Start(ctx, "rules.apply")
	defer span.End()

	ordered := make([]models.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	results := make([]result.Result[Outcome], 0, len(ordered))
	for i := range ordered {
		rule := &ordered[i]
		if err := ctx.Err(); err != nil {
			results = append(results, result.Failed[Outcome](err))
			break
		}

		var res result.Result[Outcome]
		switch {
		case !rule.IsActive:
			res = result.Ignored[Outcome]("rule inactive")
		case !e.matcher.Matches(ctx, rule, msg):
			res = result.Ignored[Outcome]("condition not met")
		default:
			res = e.Execute(ctx, rule, msg, out)
		}

		if res.IsFailed() {
			e.logger.ErrorwCtx(ctx, "Rule action failed",
				"rule_id", rule.ID,
				"action", rule.ActionType,
				"internal_id", msg.InternalID,
				"error", res.Err(),
			)
		}
		metrics.IncRuleEvaluation(string(rule.ActionType), res.Kind().String())
		results = append(results, res)
	}
	return results
}

// Execute runs the rule's action without checking its condition. A panic in
// the action is returned as a failed result.
func (e *Engine) Execute(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage, out Outbound) (res result.Result[Outcome]) {
	defer func() {
		if r := recover(); r != nil {
			res = result.Failed[Outcome](apperrors.RecoverPanic(r))
		}
	}()

	switch rule.ActionType {
	case models.ActionAutoReply:
		return e.autoReply(ctx, rule, msg, out)
	case models.ActionForward:
		return e.forward(ctx, rule, msg, out)
	case models.ActionAssign:
		return e.assign(ctx, rule, msg)
	case models.ActionSetPriority:
		return e.setPriority(ctx, rule, msg)
	}
	e.logger.WarnwCtx(ctx, "No handler for rule action", "rule_id", rule.ID, "action", rule.ActionType)
	return result.Ignored[Outcome](fmt.Sprintf("unknown action %q", rule.ActionType))
}

func (e *Engine) autoReply(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage, out Outbound) result.Result[Outcome] {
	templateID := rule.ActionString("template_id")
	if templateID == "" {
		return result.Ignored[Outcome]("no template_id")
	}
	if e.templates == nil {
		return result.Ignored[Outcome]("no template store")
	}
	if out.Adapter == nil {
		return result.Ignored[Outcome]("no outbound adapter")
	}

	tmpl, err := e.templates.GetTemplate(ctx, rule.AccountID, templateID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			e.logger.ErrorwCtx(ctx, "Auto-reply template not found", "rule_id", rule.ID, "template_id", templateID)
			return result.Ignored[Outcome]("template not found")
		}
		return result.Failed[Outcome](err)
	}

	senderName := msg.SenderName
	if senderName == "" {
		senderName = msg.SenderIdentifier
	}
	accountName := out.Account.Name
	if accountName == "" {
		accountName = out.Account.ID
	}
	vars := templating.Map(map[string]string{
		"sender_name":      senderName,
		"original_subject": msg.Subject,
		"account_name":     accountName,
	})

	req := channel.SendRequest{
		Recipients: []string{msg.SenderIdentifier},
		Subject:    templating.Expand(tmpl.Subject, vars),
		TextBody:   templating.Expand(tmpl.BodyText, vars),
		HTMLBody:   templating.Expand(tmpl.BodyHTML, vars),
		Options:    replyOptions(msg),
	}
	return e.send(ctx, rule, out, req)
}

func replyOptions(msg *models.CanonicalMessage) map[string]interface{} {
	opts := map[string]interface{}{}
	if msg.ExternalID == "" {
		return opts
	}
	opts["in_reply_to"] = msg.ExternalID
	refs := append(append([]string(nil), msg.References...), msg.ExternalID)
	opts["references"] = refs
	return opts
}

func (e *Engine) forward(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage, out Outbound) result.Result[Outcome] {
	recipients := stringList(rule.ActionData["forward_to"])
	if len(recipients) == 0 {
		return result.Ignored[Outcome]("no forward recipients")
	}
	if out.Adapter == nil {
		return result.Ignored[Outcome]("no outbound adapter")
	}

	header := forwardHeader(msg)
	req := channel.SendRequest{
		Recipients: recipients,
		Subject:    "Fwd: " + msg.Subject,
		TextBody:   header + msg.ContentText,
		HTMLBody:   "<blockquote>" + strings.ReplaceAll(html.EscapeString(header), "\n", "<br>") + "</blockquote>" + msg.ContentHTML,
	}
	if include, ok := rule.ActionData["include_attachments"].(bool); !ok || include {
		req.Attachments = msg.Attachments
	}
	return e.send(ctx, rule, out, req)
}

func forwardHeader(msg *models.CanonicalMessage) string {
	name := msg.SenderName
	if name == "" {
		name = msg.SenderIdentifier
	}
	date := "N/A"
	if !msg.Timestamps.Created.IsZero() {
		date = msg.Timestamps.Created.Format(forwardDateLayout)
	}

	var b strings.Builder
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s <%s>\n", name, msg.SenderIdentifier)
	fmt.Fprintf(&b, "Date: %s\n", date)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "To: %s\n\n", strings.Join(msg.RecipientIdentifiers, ", "))
	return b.String()
}

func (e *Engine) send(ctx context.Context, rule *models.Rule, out Outbound, req channel.SendRequest) result.Result[Outcome] {
	sent, err := out.Adapter.Send(ctx, req)
	if err != nil {
		return result.Failed[Outcome](err)
	}
	e.logger.InfowCtx(ctx, "Rule action sent message",
		"rule_id", rule.ID,
		"action", rule.ActionType,
		"recipients", len(req.Recipients),
	)
	return result.Ok(Outcome{RuleID: rule.ID, Action: rule.ActionType, Sent: sent})
}

func (e *Engine) assign(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage) result.Result[Outcome] {
	assignee := rule.ActionString("assigned_to")
	if assignee == "" {
		return result.Ignored[Outcome]("no assignee")
	}
	if err := e.assigner.Assign(ctx, msg, assignee); err != nil {
		return result.Failed[Outcome](err)
	}
	return result.Ok(Outcome{RuleID: rule.ID, Action: rule.ActionType})
}

func (e *Engine) setPriority(ctx context.Context, rule *models.Rule, msg *models.CanonicalMessage) result.Result[Outcome] {
	priority := rule.ActionString("priority")
	if priority == "" {
		priority = models.DefaultPriority
	}
	if priority == msg.Priority {
		return result.Ignored[Outcome]("priority unchanged")
	}
	msg.Priority = priority
	e.logger.InfowCtx(ctx, "Message priority set", "internal_id", msg.InternalID, "priority", priority)
	return result.Ok(Outcome{RuleID: rule.ID, Action: rule.ActionType, Updated: true})
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
