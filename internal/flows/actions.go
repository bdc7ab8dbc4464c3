package flows

import (
	"context"
	"fmt"
	"time"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
	"switchboard/pkg/templating"
)

const maxDelay = 10 * time.Second

func (e *Engine) runAction(ctx context.Context, s *session, action models.FlowAction) error {
	switch action.Type {
	case models.FlowActionSendText:
		return e.send(ctx, s, channel.SendRequest{
			TextBody: e.expand(ctx, s, paramString(action.Params, "text")),
		})

	case models.FlowActionSendQuickReplies:
		req := channel.SendRequest{TextBody: e.expand(ctx, s, paramString(action.Params, "text"))}
		if replies, ok := action.Params["quick_replies"]; ok {
			req.Options = map[string]interface{}{
				"quick_replies": templating.ExpandValue(replies, e.lookup(ctx, s, nil)),
			}
		}
		return e.send(ctx, s, req)

	case models.FlowActionSendTemplate:
		tmpl, ok := action.Params["template"]
		if !ok {
			return apperrors.ErrValidation.WithMessage("send_template requires a template")
		}
		var extra templating.Lookup
		if vars, ok := action.Params["variables"].(map[string]interface{}); ok {
			expanded, _ := templating.ExpandValue(vars, e.lookup(ctx, s, nil)).(map[string]interface{})
			extra = templating.Values(expanded)
		}
		return e.send(ctx, s, channel.SendRequest{
			TextBody: e.expand(ctx, s, paramString(action.Params, "text")),
			Options:  map[string]interface{}{"template": templating.ExpandValue(tmpl, e.lookup(ctx, s, extra))},
		})

	case models.FlowActionSetVariable:
		name := paramString(action.Params, "name")
		if name == "" {
			return apperrors.ErrValidation.WithMessage("set_variable requires a name")
		}
		s.state.SetVariable(name, action.Params["value"])
		return nil

	case models.FlowActionDelay:
		d := paramDuration(action.Params, "seconds")
		if d <= 0 {
			return nil
		}
		if d > maxDelay {
			d = maxDelay
		}
		return e.sleep(ctx, d)
	}
	return apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown flow action %q", action.Type))
}

func (e *Engine) send(ctx context.Context, s *session, req channel.SendRequest) error {
	if s.out == nil {
		return apperrors.ErrConfiguration.WithMessage("no outbound adapter for account").WithDetail("account_id", s.accountID)
	}
	req.Recipients = []string{s.state.ChannelUserID}
	_, err := s.out.Send(ctx, req)
	return err
}

func (e *Engine) expand(ctx context.Context, s *session, text string) string {
	return templating.Expand(text, e.lookup(ctx, s, nil))
}

// lookup resolves profile fields first, then context variables, then extra.
func (e *Engine) lookup(ctx context.Context, s *session, extra templating.Lookup) templating.Lookup {
	profile := e.profileOf(ctx, s)
	fields := make(map[string]string, 3)
	for name, v := range map[string]string{
		"first_name": profile.FirstName,
		"last_name":  profile.LastName,
		"full_name":  profile.FullName(),
	} {
		if v != "" {
			fields[name] = v
		}
	}
	return templating.Chain(
		templating.Map(fields),
		templating.Values(s.state.ContextVariables),
		extra,
	)
}

// profileOf fetches the user's profile once per event. Lookup failures leave
// the profile fields empty.
func (e *Engine) profileOf(ctx context.Context, s *session) Profile {
	if s.profile != nil {
		return *s.profile
	}
	p := Profile{}
	if e.profiles != nil {
		fetched, err := e.profiles.Profile(ctx, s.accountID, s.state.ChannelUserID)
		if err != nil {
			e.logger.WarnwCtx(ctx, "Profile lookup failed", "user_id", s.state.ChannelUserID, "error", err)
		} else {
			p = fetched
		}
	}
	s.profile = &p
	return p
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramDuration(params map[string]interface{}, key string) time.Duration {
	switch v := params[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int32:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
