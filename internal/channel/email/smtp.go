package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"switchboard/internal/channel"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
	"switchboard/pkg/retry"
)

// CredSecurity selects the transport: "tls" (implicit, port 465),
// "starttls" (default, port 587) or "none".
const CredSecurity = "security"

const endpointSend = "send"

// SMTPAdapter submits composed messages to one relay. Each Send opens its own
// connection, so the adapter is safe for concurrent use.
type SMTPAdapter struct {
	account     channel.Account
	dialTimeout time.Duration
	limiter     *ratelimit.Limiter
	limits      ratelimit.Limits
	policy      retry.Policy
	logger      logger.Logger
}

func NewSMTP(account channel.Account, deps channel.Dependencies) (channel.OutboundAdapter, error) {
	return NewSMTPAdapter(account, deps)
}

func NewSMTPAdapter(account channel.Account, deps channel.Dependencies) (*SMTPAdapter, error) {
	host := account.Credential("smtp_host")
	if host == "" {
		host = account.Credential(CredHost)
	}
	if host == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("smtp account requires a host").
			WithDetail("account_id", account.ID)
	}
	if sender(account) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("smtp account requires a from address or username").
			WithDetail("account_id", account.ID)
	}
	a := &SMTPAdapter{
		account:     account,
		dialTimeout: deps.Config.Email.DialTimeout,
		limiter:     deps.Limiter,
		limits:      ratelimit.LimitsFrom(deps.RateLimit, string(models.ChannelEmail)),
		policy:      retry.SendPolicy(),
		logger:      deps.Logger,
	}
	if a.dialTimeout <= 0 {
		a.dialTimeout = constants.DefaultDialTimeout
	}
	if a.logger == nil {
		a.logger = logger.NopLogger()
	}
	return a, nil
}

// WithPolicy replaces the retry policy.
func (a *SMTPAdapter) WithPolicy(p retry.Policy) *SMTPAdapter {
	a.policy = p
	return a
}

func sender(account channel.Account) string {
	if from := account.Credential(CredFrom); from != "" {
		return from
	}
	if u := account.Credential(CredUsername); strings.Contains(u, "@") {
		return u
	}
	return ""
}

func (a *SMTPAdapter) host() string {
	if h := a.account.Credential("smtp_host"); h != "" {
		return h
	}
	return a.account.Credential(CredHost)
}

func (a *SMTPAdapter) security() string {
	switch s := strings.ToLower(a.account.Credential(CredSecurity)); s {
	case "tls", "none":
		return s
	default:
		return "starttls"
	}
}

func (a *SMTPAdapter) address() string {
	port := a.account.Credential("smtp_port")
	if port == "" {
		switch a.security() {
		case "tls":
			port = "465"
		case "none":
			port = "25"
		default:
			port = "587"
		}
	}
	return net.JoinHostPort(a.host(), port)
}

func (a *SMTPAdapter) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: a.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.address())
	if err != nil {
		return nil, apperrors.ErrConnection.WithCause(err).WithMessage("failed to connect to smtp server").
			WithDetail("address", a.address())
	}

	tlsConfig := &tls.Config{ServerName: a.host()}
	var c *smtp.Client
	switch a.security() {
	case "tls":
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case "none":
		c = smtp.NewClient(conn)
	default:
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, apperrors.ErrConnection.WithCause(err).WithMessage("smtp starttls failed")
		}
	}
	c.CommandTimeout = a.dialTimeout
	c.SubmissionTimeout = a.dialTimeout

	if user := a.account.Credential(CredUsername); user != "" {
		if err := c.Auth(sasl.NewPlainClient("", user, a.account.Credential(CredPassword))); err != nil {
			c.Close()
			return nil, apperrors.ErrAuthentication.WithCause(err).WithMessage("smtp authentication failed").
				WithDetail("account_id", a.account.ID)
		}
	}
	return c, nil
}

// Send composes one message addressed to every recipient. Options
// "in_reply_to" and "references" thread the reply.
func (a *SMTPAdapter) Send(ctx context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	from := sender(a.account)
	raw, id, err := Compose(from, req)
	if err != nil {
		return nil, err
	}
	msg := outboundMessage(a.account.ID, from, id, req)

	err = retry.RetryWithCallback(ctx, a.policy, func() error {
		if a.limiter != nil {
			if _, err := a.limiter.Acquire(ctx, a.account.ID, endpointSend, a.limits); err != nil {
				return err
			}
		}
		return a.submit(ctx, envelopeAddress(from), envelopeAddresses(req.Recipients), raw)
	}, func(attempt int, err error, next time.Duration) {
		a.logger.WarnwCtx(ctx, "SMTP submission failed, retrying",
			"account_id", a.account.ID,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
	if apperrors.IsBounced(err) {
		metrics.IncOutboundSend(string(models.ChannelEmail), "bounced")
		code, reason := bounceDetails(err)
		_ = msg.MarkBounced(code, reason, time.Now().UTC())
		a.logger.WarnwCtx(ctx, "SMTP recipient bounced message",
			"account_id", a.account.ID,
			"provider_code", code,
			"reason", reason,
		)
		return msg, err
	}
	if err != nil {
		metrics.IncOutboundSend(string(models.ChannelEmail), "error")
		_ = msg.MarkFailed(apperrors.Code(err), err.Error(), time.Now().UTC())
		return msg, err
	}

	metrics.IncOutboundSend(string(models.ChannelEmail), "sent")
	if err := msg.TransitionTo(models.StatusSent, time.Now().UTC()); err != nil {
		return nil, err
	}
	return msg, nil
}

func (a *SMTPAdapter) submit(ctx context.Context, from string, to []string, raw []byte) error {
	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
			if isBounce(smtpErr) {
				return apperrors.ErrBounced.WithCause(err).
					WithDetail("provider_code", smtpErr.Code).
					WithDetail("bounce_reason", smtpErr.Message)
			}
			return apperrors.ErrSend.WithCause(err).WithDetail("provider_code", smtpErr.Code)
		}
		return apperrors.ErrConnection.WithCause(err).WithMessage("smtp submission failed")
	}
	_ = c.Quit()
	return nil
}

var bounceIndicators = []string{
	"mailbox unavailable",
	"user unknown",
	"address not found",
	"delivery failed",
	"bounce",
}

// isBounce reports whether a permanent reply rejects the recipient itself:
// enhanced status 5.1.x or a reply text naming a dead mailbox.
func isBounce(e *smtp.SMTPError) bool {
	if e.Code < 500 {
		return false
	}
	if e.EnhancedCode[0] == 5 && e.EnhancedCode[1] == 1 {
		return true
	}
	text := strings.ToLower(e.Message)
	for _, indicator := range bounceIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}

func bounceDetails(err error) (code, reason string) {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return apperrors.ErrBounced.Code, err.Error()
	}
	code = strconv.Itoa(smtpErr.Code)
	if ec := smtpErr.EnhancedCode; ec[0] > 0 {
		code += fmt.Sprintf(" %d.%d.%d", ec[0], ec[1], ec[2])
	}
	return code, smtpErr.Message
}

// envelopeAddress strips the display name for the SMTP envelope.
func envelopeAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return s
}

func envelopeAddresses(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = envelopeAddress(s)
	}
	return out
}

var _ channel.OutboundAdapter = (*SMTPAdapter)(nil)
