package email

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
	"switchboard/pkg/retry"
)

type recordingBackend struct {
	rcptErr error

	mu   sync.Mutex
	from string
	to   []string
	data []byte
}

func (b *recordingBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{b: b}, nil
}

type recordingSession struct {
	b *recordingBackend
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.b.rcptErr != nil {
		return s.b.rcptErr
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.to = append(s.b.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = data
	return nil
}

func (s *recordingSession) Reset()        {}
func (s *recordingSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (*recordingBackend, int) {
	return startSMTPServerWith(t, &recordingBackend{})
}

func startSMTPServerWith(t *testing.T, be *recordingBackend) (*recordingBackend, int) {
	t.Helper()
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })
	return be, ln.Addr().(*net.TCPAddr).Port
}

func smtpAccount(port int) channel.Account {
	return channel.Account{
		ID:       "smtp-1",
		Channel:  models.ChannelEmail,
		Protocol: channel.ProtocolSMTP,
		Credentials: map[string]string{
			"smtp_host":  "127.0.0.1",
			"smtp_port":  strconv.Itoa(port),
			CredSecurity: "none",
			CredFrom:     "Support <support@acme.test>",
		},
	}
}

func TestSMTPSendDeliversComposedMessage(t *testing.T) {
	be, port := startSMTPServer(t)
	a, err := NewSMTPAdapter(smtpAccount(port), channel.Dependencies{Logger: logger.NopLogger()})
	require.NoError(t, err)

	msg, err := a.Send(context.Background(), channel.SendRequest{
		Recipients: []string{"Ana <ana@example.com>"},
		Subject:    "Re: Order #42",
		TextBody:   "It shipped today.",
		Options:    map[string]interface{}{"in_reply_to": "<orig@example.com>"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.NotEmpty(t, msg.ExternalID)
	assert.Equal(t, "orig@example.com", msg.InReplyTo)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "support@acme.test", be.from)
	assert.Equal(t, []string{"ana@example.com"}, be.to)

	delivered, err := Parse("smtp-1", be.data)
	require.NoError(t, err)
	assert.Equal(t, msg.ExternalID, delivered.ExternalID)
	assert.Equal(t, "orig@example.com", delivered.InReplyTo)
}

func TestSMTPConnectionFailureMarksMessageFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	a, err := NewSMTPAdapter(smtpAccount(port), channel.Dependencies{Logger: logger.NopLogger()})
	require.NoError(t, err)
	a.WithPolicy(retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2})

	msg, err := a.Send(context.Background(), channel.SendRequest{Recipients: []string{"a@example.com"}, TextBody: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConnection(err))
	assert.Equal(t, models.StatusFailed, msg.Status)
}

func TestNewSMTPAdapterRequiresSender(t *testing.T) {
	acc := smtpAccount(25)
	delete(acc.Credentials, CredFrom)
	_, err := NewSMTPAdapter(acc, channel.Dependencies{})
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestSMTPRejectedRecipientMarksMessageBounced(t *testing.T) {
	_, port := startSMTPServerWith(t, &recordingBackend{rcptErr: &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Mailbox unavailable",
	}})
	a, err := NewSMTPAdapter(smtpAccount(port), channel.Dependencies{Logger: logger.NopLogger()})
	require.NoError(t, err)

	msg, err := a.Send(context.Background(), channel.SendRequest{Recipients: []string{"gone@example.com"}, TextBody: "x"})

	require.Error(t, err)
	assert.True(t, apperrors.IsBounced(err))
	assert.Equal(t, models.StatusBounced, msg.Status)
	assert.Equal(t, "550 5.1.1", msg.ErrorCode)
	assert.Equal(t, "Mailbox unavailable", msg.ErrorMessage)
	assert.NotNil(t, msg.Timestamps.Failed)
}

func TestSMTPPolicyRejectionIsNotABounce(t *testing.T) {
	_, port := startSMTPServerWith(t, &recordingBackend{rcptErr: &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}})
	a, err := NewSMTPAdapter(smtpAccount(port), channel.Dependencies{Logger: logger.NopLogger()})
	require.NoError(t, err)

	msg, err := a.Send(context.Background(), channel.SendRequest{Recipients: []string{"someone@example.com"}, TextBody: "x"})

	require.Error(t, err)
	assert.True(t, apperrors.IsSend(err))
	assert.Equal(t, models.StatusFailed, msg.Status)
}

func TestIsBounce(t *testing.T) {
	tests := []struct {
		name string
		err  smtp.SMTPError
		want bool
	}{
		{"bad mailbox status", smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no"}, true},
		{"user unknown text", smtp.SMTPError{Code: 550, Message: "User unknown in virtual table"}, true},
		{"address not found text", smtp.SMTPError{Code: 553, Message: "Address not found"}, true},
		{"transient", smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 1, 1}, Message: "mailbox unavailable"}, false},
		{"spam policy", smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Message rejected"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBounce(&tt.err))
		})
	}
}
