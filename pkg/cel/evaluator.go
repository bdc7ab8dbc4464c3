// Package cel evaluates CEL rule conditions against canonical messages.
package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"switchboard/pkg/models"
)

type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		cel.Variable("sender", cel.StringType),
		cel.Variable("sender_name", cel.StringType),
		cel.Variable("sender_domain", cel.StringType),
		cel.Variable("recipients", cel.ListType(cel.StringType)),
		cel.Variable("subject", cel.StringType),
		cel.Variable("body", cel.StringType),
		cel.Variable("html", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("has_attachments", cel.BoolType),
		cel.Variable("attachment_count", cel.IntType),
		cel.Variable("created", cel.TimestampType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// program compiles a boolean expression once and caches it.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, msg *models.CanonicalMessage) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, Vars(msg))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// Vars exposes msg under the variable names declared by the environment.
func Vars(msg *models.CanonicalMessage) map[string]interface{} {
	recipients := msg.RecipientIdentifiers
	if recipients == nil {
		recipients = []string{}
	}
	headers := msg.RawHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	payload := msg.RawPayload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"sender":           msg.SenderIdentifier,
		"sender_name":      msg.SenderName,
		"sender_domain":    msg.SenderDomain(),
		"recipients":       recipients,
		"subject":          msg.Subject,
		"body":             msg.ContentText,
		"html":             msg.ContentHTML,
		"channel":          string(msg.ChannelType),
		"account_id":       msg.AccountID,
		"direction":        string(msg.Direction),
		"priority":         msg.Priority,
		"has_attachments":  msg.HasAttachments(),
		"attachment_count": int64(len(msg.Attachments)),
		"created":          msg.Timestamps.Created,
		"headers":          headers,
		"payload":          payload,
	}
}

// CompileExpression returns the cached program for a boolean expression.
func (e *Evaluator) CompileExpression(expression string) (cel.Program, error) {
	return e.program(expression)
}
