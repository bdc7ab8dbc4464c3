package email

import (
	"context"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"

	"switchboard/internal/channel"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
)

// CredDeleteAfterFetch set to "true" removes each message from the server
// once the sink accepted it.
const CredDeleteAfterFetch = "delete_after_fetch"

// POP3Adapter drains one POP3 maildrop. POP3 has no read flag, so messages
// stay on the server unless delete_after_fetch is set and duplicates are
// absorbed by the message store.
type POP3Adapter struct {
	account     channel.Account
	dialTimeout time.Duration
	maxMessages int
	insecure    bool
	deleteAfter bool
	logger      logger.Logger
}

func NewPOP3(account channel.Account, deps channel.Dependencies) (channel.InboundAdapter, error) {
	return NewPOP3Adapter(account, deps)
}

func NewPOP3Adapter(account channel.Account, deps channel.Dependencies) (*POP3Adapter, error) {
	if account.Credential(CredHost) == "" || account.Credential(CredUsername) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("pop3 account requires host and username").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Email
	a := &POP3Adapter{
		account:     account,
		dialTimeout: cfg.DialTimeout,
		maxMessages: cfg.MaxMessagesPerPoll,
		insecure:    account.Credential(CredUseTLS) == "false",
		deleteAfter: account.Credential(CredDeleteAfterFetch) == "true",
		logger:      deps.Logger,
	}
	if a.dialTimeout <= 0 {
		a.dialTimeout = constants.DefaultDialTimeout
	}
	if a.maxMessages <= 0 {
		a.maxMessages = DefaultMaxMessagesPerPoll
	}
	if a.logger == nil {
		a.logger = logger.NopLogger()
	}
	return a, nil
}

func (a *POP3Adapter) port() int {
	if p, err := strconv.Atoi(a.account.Credential(CredPort)); err == nil && p > 0 {
		return p
	}
	if a.insecure {
		return 110
	}
	return 995
}

func (a *POP3Adapter) connect(ctx context.Context) (*pop3.Conn, error) {
	client := pop3.New(pop3.Opt{
		Host:        a.account.Credential(CredHost),
		Port:        a.port(),
		TLSEnabled:  !a.insecure,
		DialTimeout: a.dialTimeout,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, apperrors.ErrConnection.WithCause(err).WithMessage("failed to connect to pop3 server").
			WithDetail("host", a.account.Credential(CredHost))
	}
	if err := conn.Auth(a.account.Credential(CredUsername), a.account.Credential(CredPassword)); err != nil {
		_ = conn.Quit()
		return nil, apperrors.ErrAuthentication.WithCause(err).WithMessage("pop3 login failed").
			WithDetail("account_id", a.account.ID)
	}
	if ctx.Err() != nil {
		_ = conn.Quit()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (a *POP3Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			return false, nil
		}
		return false, err
	}
	_ = conn.Quit()
	return true, nil
}

// Poll lists the maildrop by UIDL and retrieves messages one at a time.
// Deletions are committed by QUIT at the end of the session.
func (a *POP3Adapter) Poll(ctx context.Context, sink channel.MessageSink) (channel.PollResult, error) {
	var result channel.PollResult
	started := time.Now()
	defer func() {
		metrics.ObservePollDuration(string(channel.ProtocolPOP3), time.Since(started))
	}()

	conn, err := a.connect(ctx)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to close pop3 session",
				"account_id", a.account.ID,
				"error", err,
			)
		}
	}()

	ids, err := conn.Uidl(0)
	if err != nil {
		return result, apperrors.ErrPolling.WithCause(err).WithMessage("pop3 uidl failed")
	}
	if len(ids) > a.maxMessages {
		ids = ids[:a.maxMessages]
	}
	result.MessagesFound = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			result.ErrorMessage = ctx.Err().Error()
			break
		}
		if err := a.processOne(ctx, conn, id, sink); err != nil {
			result.MessagesFailed++
			result.ErrorMessage = err.Error()
			a.logger.WarnwCtx(ctx, "Failed to process pop3 message",
				"account_id", a.account.ID,
				"uidl", id.UID,
				"error", err,
			)
			continue
		}
		result.MessagesProcessed++
	}

	result.Finalize()
	return result, nil
}

func (a *POP3Adapter) processOne(ctx context.Context, conn *pop3.Conn, id pop3.MessageID, sink channel.MessageSink) error {
	buf, err := conn.RetrRaw(id.ID)
	if err != nil {
		return apperrors.ErrPolling.WithCause(err).WithMessage("pop3 retr failed").WithDetail("uidl", id.UID)
	}

	msg, err := Parse(a.account.ID, buf.Bytes())
	if err != nil {
		return err
	}
	if msg.ExternalID == "" {
		msg.ExternalID = a.account.ID + ":" + id.UID
	}
	msg.RawHeaders["X-Pop3-Uidl"] = id.UID

	if err := sink.Accept(ctx, msg); err != nil {
		return err
	}

	if a.deleteAfter {
		if err := conn.Dele(id.ID); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to delete pop3 message",
				"account_id", a.account.ID,
				"uidl", id.UID,
				"error", err,
			)
		}
	}
	return nil
}

var _ channel.InboundAdapter = (*POP3Adapter)(nil)
