package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/channel/channeltest"
	"switchboard/internal/logger"
	"switchboard/internal/store"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
	"switchboard/pkg/result"
)

type engineFixture struct {
	engine    *Engine
	templates *store.MemoryTemplateStore
	adapter   *channeltest.Recorder
	out       Outbound
	assigned  []string
}

type recordingAssigner struct {
	f *engineFixture
}

func (a recordingAssigner) Assign(_ context.Context, _ *models.CanonicalMessage, assignee string) error {
	a.f.assigned = append(a.f.assigned, assignee)
	return nil
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		templates: store.NewMemoryTemplateStore(),
		adapter:   channeltest.NewRecorder(models.ChannelEmail, "acc-1"),
	}
	require.NoError(t, f.templates.SaveTemplate(context.Background(), &models.EmailTemplate{
		ID:        "tpl-thanks",
		AccountID: "acc-1",
		Subject:   "Re: {{original_subject}}",
		BodyText:  "Hi {{sender_name}}, thanks for writing to {{account_name}}.",
		BodyHTML:  "<p>Hi {{sender_name}}</p>",
	}))
	f.engine = NewEngine(nil, f.templates, recordingAssigner{f: f}, logger.NopLogger())
	f.out = Outbound{
		Account: channel.Account{ID: "acc-1", Name: "Shop Support"},
		Adapter: f.adapter,
	}
	return f
}

func TestExecute_AutoReplyRendersTemplate(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()
	msg.References = []string{"<root@example.com>"}
	rule := &models.Rule{ID: "r1", AccountID: "acc-1", ActionType: models.ActionAutoReply,
		ActionData: map[string]interface{}{"template_id": "tpl-thanks"}}

	res := f.engine.Execute(context.Background(), rule, msg, f.out)

	require.True(t, res.IsOk(), res.String())
	assert.NotNil(t, res.Value().Sent)
	req, ok := f.adapter.Last()
	require.True(t, ok)
	assert.Equal(t, []string{"Alice@Example.com"}, req.Recipients)
	assert.Equal(t, "Re: Invoice overdue", req.Subject)
	assert.Equal(t, "Hi Alice, thanks for writing to Shop Support.", req.TextBody)
	assert.Equal(t, "<p>Hi Alice</p>", req.HTMLBody)
	assert.Equal(t, "<m1@example.com>", req.StringOption("in_reply_to"))
	assert.Equal(t, []string{"<root@example.com>", "<m1@example.com>"}, req.Options["references"])
}

func TestExecute_AutoReplyMissingTemplateIsSkipped(t *testing.T) {
	f := newEngineFixture(t)
	rule := &models.Rule{ID: "r1", AccountID: "acc-1", ActionType: models.ActionAutoReply,
		ActionData: map[string]interface{}{"template_id": "missing"}}

	res := f.engine.Execute(context.Background(), rule, inboundEmail(), f.out)

	assert.True(t, res.IsIgnored())
	assert.Empty(t, f.adapter.Requests())
}

func TestExecute_Forward(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()
	msg.ContentHTML = "<p>Please find the invoice</p>"
	msg.Attachments = []models.Attachment{{Filename: "invoice.pdf", MimeType: "application/pdf"}}
	rule := &models.Rule{ID: "r2", ActionType: models.ActionForward,
		ActionData: map[string]interface{}{"forward_to": []interface{}{"billing@shop.io", "ops@shop.io"}}}

	res := f.engine.Execute(context.Background(), rule, msg, f.out)

	require.True(t, res.IsOk(), res.String())
	req, _ := f.adapter.Last()
	assert.Equal(t, []string{"billing@shop.io", "ops@shop.io"}, req.Recipients)
	assert.Equal(t, "Fwd: Invoice overdue", req.Subject)
	assert.True(t, strings.HasPrefix(req.TextBody, "---------- Forwarded message ---------\n"))
	assert.Contains(t, req.TextBody, "From: Alice <Alice@Example.com>\n")
	assert.Contains(t, req.TextBody, "Date: Fri, Mar 01, 2024 at 09:30 AM\n")
	assert.Contains(t, req.TextBody, "To: support@shop.io\n\n"+msg.ContentText)
	assert.True(t, strings.HasPrefix(req.HTMLBody, "<blockquote>---------- Forwarded message ---------<br>"))
	assert.True(t, strings.HasSuffix(req.HTMLBody, "</blockquote><p>Please find the invoice</p>"))
	assert.Len(t, req.Attachments, 1)
}

func TestExecute_ForwardOptions(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()
	msg.Attachments = []models.Attachment{{Filename: "a.txt"}}

	noAttachments := &models.Rule{ActionType: models.ActionForward,
		ActionData: map[string]interface{}{"forward_to": "ops@shop.io", "include_attachments": false}}
	res := f.engine.Execute(context.Background(), noAttachments, msg, f.out)
	require.True(t, res.IsOk())
	req, _ := f.adapter.Last()
	assert.Empty(t, req.Attachments)

	noRecipients := &models.Rule{ActionType: models.ActionForward, ActionData: map[string]interface{}{}}
	res = f.engine.Execute(context.Background(), noRecipients, msg, f.out)
	assert.True(t, res.IsIgnored())
	assert.Len(t, f.adapter.Requests(), 1)
}

func TestExecute_AssignAndPriority(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()

	assign := &models.Rule{ActionType: models.ActionAssign, ActionData: map[string]interface{}{"assigned_to": "team-billing"}}
	assert.True(t, f.engine.Execute(context.Background(), assign, msg, f.out).IsOk())
	assert.Equal(t, []string{"team-billing"}, f.assigned)

	high := &models.Rule{ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "high"}}
	res := f.engine.Execute(context.Background(), high, msg, f.out)
	require.True(t, res.IsOk())
	assert.True(t, res.Value().Updated)
	assert.Equal(t, "high", msg.Priority)

	res = f.engine.Execute(context.Background(), high, msg, f.out)
	assert.True(t, res.IsIgnored(), "same priority is not written again")
}

func TestApply_OrderAndIsolation(t *testing.T) {
	f := newEngineFixture(t)
	f.adapter.Err = errors.New("smtp down")
	msg := inboundEmail()

	rules := []models.Rule{
		{ID: "low", IsActive: true, Priority: 1, ConditionType: models.ConditionFromContains, ConditionValue: "alice",
			ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "high"}},
		{ID: "high", IsActive: true, Priority: 10, ConditionType: models.ConditionSubjectContains, ConditionValue: "invoice",
			ActionType: models.ActionForward, ActionData: map[string]interface{}{"forward_to": "billing@shop.io"}},
		{ID: "nomatch", IsActive: true, Priority: 5, ConditionType: models.ConditionDomainEquals, ConditionValue: "other.org",
			ActionType: models.ActionAssign, ActionData: map[string]interface{}{"assigned_to": "x"}},
		{ID: "off", IsActive: false, Priority: 20, ConditionType: models.ConditionFromContains, ConditionValue: "alice",
			ActionType: models.ActionAssign, ActionData: map[string]interface{}{"assigned_to": "y"}},
	}

	results := f.engine.Apply(context.Background(), msg, rules, f.out)

	require.Len(t, results, 4)
	kinds := []result.Kind{results[0].Kind(), results[1].Kind(), results[2].Kind(), results[3].Kind()}
	assert.Equal(t, []result.Kind{result.KindIgnored, result.KindFailed, result.KindIgnored, result.KindOk}, kinds)
	assert.Equal(t, "high", msg.Priority, "a failed forward does not block later rules")
	assert.Empty(t, f.assigned)
	assert.Equal(t, "high", rules[1].ID, "input order is untouched")
}

type panickingAdapter struct{}

func (panickingAdapter) Send(context.Context, channel.SendRequest) (*models.CanonicalMessage, error) {
	var opts map[string]string
	opts["boom"] = "x"
	return nil, nil
}

func TestApply_PanickingActionDoesNotBlockLaterRules(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()
	out := Outbound{Account: f.out.Account, Adapter: panickingAdapter{}}

	rules := []models.Rule{
		{ID: "forward", IsActive: true, Priority: 10, ConditionType: models.ConditionSubjectContains, ConditionValue: "invoice",
			ActionType: models.ActionForward, ActionData: map[string]interface{}{"forward_to": "billing@shop.io"}},
		{ID: "priority", IsActive: true, Priority: 1, ConditionType: models.ConditionFromContains, ConditionValue: "alice",
			ActionType: models.ActionSetPriority, ActionData: map[string]interface{}{"priority": "high"}},
	}

	var results []result.Result[Outcome]
	require.NotPanics(t, func() {
		results = f.engine.Apply(context.Background(), msg, rules, out)
	})

	require.Len(t, results, 2)
	assert.True(t, results[0].IsFailed())
	assert.True(t, apperrors.IsFatalError(results[0].Err()))
	assert.True(t, results[1].IsOk())
	assert.Equal(t, "high", msg.Priority)
}

func TestExecute_ForwardEscapesHeaderInHTML(t *testing.T) {
	f := newEngineFixture(t)
	msg := inboundEmail()
	msg.SenderName = `<script>alert("x")</script>`
	msg.Subject = "Q&A <b>now</b>"
	rule := &models.Rule{ActionType: models.ActionForward,
		ActionData: map[string]interface{}{"forward_to": "ops@shop.io"}}

	res := f.engine.Execute(context.Background(), rule, msg, f.out)

	require.True(t, res.IsOk(), res.String())
	req, _ := f.adapter.Last()
	assert.NotContains(t, req.HTMLBody, "<script>")
	assert.Contains(t, req.HTMLBody, "&lt;script&gt;")
	assert.Contains(t, req.HTMLBody, "Subject: Q&amp;A &lt;b&gt;now&lt;/b&gt;<br>")
	assert.Contains(t, req.TextBody, "Subject: Q&A <b>now</b>\n")
}
