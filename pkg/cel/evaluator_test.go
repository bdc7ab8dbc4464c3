package cel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/pkg/models"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid simple expression",
			expr:      `channel == "email"`,
			wantError: false,
		},
		{
			name:      "valid numeric comparison",
			expr:      `attachment_count > 1`,
			wantError: false,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `undefinedVar == "test"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFilterExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "valid bool expression",
			expr:      `subject == "hi"`,
			wantError: false,
		},
		{
			name:      "non-bool expression",
			expr:      `attachment_count`,
			wantError: true,
		},
		{
			name:      "valid contains",
			expr:      `sender.contains("@example.com")`,
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateFilterExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionExamplesCompile(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	for name, expr := range ConditionExamples {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, eval.ValidateFilterExpression(expr))
		})
	}
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	msg := models.NewInboundMessage(models.ChannelEmail, "acc-1", time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC))
	msg.SenderIdentifier = "Jane@Acme.com"
	msg.Subject = "URGENT: refund"
	msg.ContentText = "please refund order 42"
	msg.RecipientIdentifiers = []string{"support@shop.test"}
	msg.RawHeaders = map[string]string{"List-Unsubscribe": "<mailto:x>"}
	msg.Attachments = []models.Attachment{{Filename: "a.pdf"}}

	tests := []struct {
		name      string
		expr      string
		want      bool
		wantError bool
	}{
		{name: "domain match", expr: `sender_domain == "acme.com"`, want: true},
		{name: "case folded subject", expr: `subject.lowerAscii().contains("urgent")`, want: true},
		{name: "attachments", expr: `has_attachments && attachment_count == 1`, want: true},
		{name: "header lookup", expr: `"List-Unsubscribe" in headers`, want: true},
		{name: "recipient list", expr: `"support@shop.test" in recipients`, want: true},
		{name: "timestamp", expr: `created.getHours("UTC") >= 18`, want: true},
		{name: "false branch", expr: `channel == "whatsapp"`, want: false},
		{name: "non bool", expr: `subject`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eval.EvaluateFilter(ctx, tt.expr, msg)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestEvaluateFilter_CachesPrograms(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	first, err := eval.CompileExpression(`priority == "high"`)
	require.NoError(t, err)
	second, err := eval.CompileExpression(`priority == "high"`)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluateFilter_NilCollections(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	msg := models.NewInboundMessage(models.ChannelWhatsApp, "acc", time.Now())
	ok, err := eval.EvaluateFilter(context.Background(), `size(recipients) == 0 && size(headers) == 0`, msg)
	require.NoError(t, err)
	assert.True(t, ok)
}
