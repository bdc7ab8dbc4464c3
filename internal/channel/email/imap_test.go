package email

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

type collectingSink struct {
	mu   sync.Mutex
	msgs []*models.CanonicalMessage
	fail bool
}

func (s *collectingSink) Accept(_ context.Context, msg *models.CanonicalMessage) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func startIMAPServer(t *testing.T) (host string, port int) {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func appendUnseen(t *testing.T, host string, port int, raw string) {
	t.Helper()
	c, err := client.Dial(net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	require.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewBufferString(raw)))
}

func imapAccount(host string, port int, password string) channel.Account {
	return channel.Account{
		ID:       "imap-1",
		Channel:  models.ChannelEmail,
		Protocol: channel.ProtocolIMAP,
		Credentials: map[string]string{
			CredHost:     host,
			CredPort:     strconv.Itoa(port),
			CredUsername: "username",
			CredPassword: password,
			CredUseTLS:   "false",
		},
	}
}

func newIMAP(t *testing.T, acc channel.Account) *IMAPAdapter {
	t.Helper()
	a, err := NewIMAPAdapter(acc, channel.Dependencies{Logger: logger.NopLogger()})
	require.NoError(t, err)
	a.dialTimeout = 5 * time.Second
	return a
}

func TestIMAPPollDeliversUnseenAndMarksSeen(t *testing.T) {
	host, port := startIMAPServer(t)
	appendUnseen(t, host, port, "From: ana@example.com\r\n"+
		"To: support@acme.test\r\n"+
		"Subject: Order status\r\n"+
		"Message-ID: <poll-1@example.com>\r\n"+
		"\r\n"+
		"Where is my order?\r\n")

	a := newIMAP(t, imapAccount(host, port, "password"))
	sink := &collectingSink{}

	res, err := a.Poll(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesFound, "the pre-seeded message is already seen")
	assert.Equal(t, 1, res.MessagesProcessed)
	assert.Equal(t, channel.PollSuccess, res.Status)

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "poll-1@example.com", sink.msgs[0].ExternalID)
	assert.Equal(t, "Order status", sink.msgs[0].Subject)
	assert.NotEmpty(t, sink.msgs[0].RawHeaders["X-Imap-Uid"])

	res, err = a.Poll(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 0, res.MessagesFound)
}

func TestIMAPPollLeavesRejectedMessagesUnseen(t *testing.T) {
	host, port := startIMAPServer(t)
	appendUnseen(t, host, port, "From: ana@example.com\r\nSubject: x\r\n\r\nbody\r\n")

	a := newIMAP(t, imapAccount(host, port, "password"))

	res, err := a.Poll(context.Background(), &collectingSink{fail: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesFailed)
	assert.Equal(t, channel.PollFailed, res.Status)

	ok := &collectingSink{}
	res, err = a.Poll(context.Background(), ok)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesProcessed)
	require.Len(t, ok.msgs, 1)
	assert.True(t, strings.HasPrefix(ok.msgs[0].ExternalID, "imap-1:"), "messages without Message-ID get a uid based id")
}

func TestIMAPLoginFailureIsAuthenticationError(t *testing.T) {
	host, port := startIMAPServer(t)
	a := newIMAP(t, imapAccount(host, port, "wrong"))

	_, err := a.Poll(context.Background(), &collectingSink{})
	assert.True(t, apperrors.IsAuthentication(err))

	valid, err := a.ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestIMAPDialFailureIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	a := newIMAP(t, imapAccount("127.0.0.1", port, "password"))
	_, err = a.Poll(context.Background(), &collectingSink{})
	assert.True(t, apperrors.IsConnection(err))
}

func TestNewIMAPAdapterRequiresHost(t *testing.T) {
	_, err := NewIMAPAdapter(channel.Account{ID: "x", Credentials: map[string]string{}}, channel.Dependencies{})
	assert.True(t, apperrors.IsConfiguration(err))
}

type failingLiteral struct{}

func (failingLiteral) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (failingLiteral) Len() int                 { return 10 }

func TestCollectBodyDrainsFetchAfterReadFailure(t *testing.T) {
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message)
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		messages <- &imap.Message{Body: map[*imap.BodySectionName]imap.Literal{section: failingLiteral{}}}
		messages <- &imap.Message{Body: map[*imap.BodySectionName]imap.Literal{section: bytes.NewBufferString("late")}}
		close(messages)
		done <- nil
	}()

	raw, err := collectBody(messages, done, section)

	require.Error(t, err)
	assert.Nil(t, raw)
	assert.True(t, errors.Is(err, apperrors.ErrPolling))
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("fetch goroutine still blocked")
	}
}
