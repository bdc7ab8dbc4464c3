package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"switchboard/internal/channel"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
)

const (
	CredHost     = "host"
	CredPort     = "port"
	CredUsername = "username"
	CredPassword = "password"
	CredUseTLS   = "use_tls"
	CredFolder   = "folder"
	CredFrom     = "from"

	DefaultMaxMessagesPerPoll = 100
	DefaultMaxMessageAge      = 30 * 24 * time.Hour
)

// IMAPAdapter polls one mailbox for unseen messages.
type IMAPAdapter struct {
	account     channel.Account
	dialTimeout time.Duration
	maxMessages int
	maxAge      time.Duration
	insecure    bool
	logger      logger.Logger
	now         func() time.Time
}

func NewIMAP(account channel.Account, deps channel.Dependencies) (channel.InboundAdapter, error) {
	return NewIMAPAdapter(account, deps)
}

func NewIMAPAdapter(account channel.Account, deps channel.Dependencies) (*IMAPAdapter, error) {
	if account.Credential(CredHost) == "" || account.Credential(CredUsername) == "" {
		return nil, apperrors.ErrConfiguration.WithMessage("imap account requires host and username").
			WithDetail("account_id", account.ID)
	}
	cfg := deps.Config.Email
	a := &IMAPAdapter{
		account:     account,
		dialTimeout: cfg.DialTimeout,
		maxMessages: cfg.MaxMessagesPerPoll,
		maxAge:      DefaultMaxMessageAge,
		insecure:    account.Credential(CredUseTLS) == "false",
		logger:      deps.Logger,
		now:         time.Now,
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

func (a *IMAPAdapter) address() string {
	port := a.account.Credential(CredPort)
	if port == "" {
		if a.insecure {
			port = "143"
		} else {
			port = "993"
		}
	}
	return net.JoinHostPort(a.account.Credential(CredHost), port)
}

func (a *IMAPAdapter) folder() string {
	if f := a.account.Credential(CredFolder); f != "" {
		return f
	}
	return "INBOX"
}

func (a *IMAPAdapter) connect(ctx context.Context) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: a.dialTimeout}
	var (
		c   *client.Client
		err error
	)
	if a.insecure {
		c, err = client.DialWithDialer(dialer, a.address())
	} else {
		c, err = client.DialWithDialerTLS(dialer, a.address(), &tls.Config{ServerName: a.account.Credential(CredHost)})
	}
	if err != nil {
		return nil, apperrors.ErrConnection.WithCause(err).WithMessage("failed to connect to imap server").
			WithDetail("address", a.address())
	}
	c.Timeout = a.dialTimeout

	if err := c.Login(a.account.Credential(CredUsername), a.account.Credential(CredPassword)); err != nil {
		_ = c.Logout()
		return nil, apperrors.ErrAuthentication.WithCause(err).WithMessage("imap login failed").
			WithDetail("account_id", a.account.ID)
	}
	if ctx.Err() != nil {
		_ = c.Logout()
		return nil, ctx.Err()
	}
	return c, nil
}

func (a *IMAPAdapter) ValidateCredentials(ctx context.Context) (bool, error) {
	c, err := a.connect(ctx)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			return false, nil
		}
		return false, err
	}
	_ = c.Logout()
	return true, nil
}

// Poll fetches unseen messages newer than the age window, hands each to sink
// and marks it \Seen once the sink accepted it.
func (a *IMAPAdapter) Poll(ctx context.Context, sink channel.MessageSink) (channel.PollResult, error) {
	var result channel.PollResult
	started := time.Now()
	defer func() {
		metrics.ObservePollDuration(string(channel.ProtocolIMAP), time.Since(started))
	}()

	c, err := a.connect(ctx)
	if err != nil {
		return result, err
	}
	defer c.Logout()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-stop:
		}
	}()

	if _, err := c.Select(a.folder(), false); err != nil {
		return result, apperrors.ErrPolling.WithCause(err).WithMessage(fmt.Sprintf("failed to select %s", a.folder()))
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = a.now().Add(-a.maxAge)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return result, apperrors.ErrPolling.WithCause(err).WithMessage("imap search failed")
	}
	if len(uids) > a.maxMessages {
		uids = uids[:a.maxMessages]
	}
	result.MessagesFound = len(uids)

	for _, uid := range uids {
		if ctx.Err() != nil {
			result.ErrorMessage = ctx.Err().Error()
			break
		}
		if err := a.processOne(ctx, c, uid, sink); err != nil {
			result.MessagesFailed++
			result.ErrorMessage = err.Error()
			a.logger.WarnwCtx(ctx, "Failed to process imap message",
				"account_id", a.account.ID,
				"uid", uid,
				"error", err,
			)
			continue
		}
		result.MessagesProcessed++
	}

	result.Finalize()
	return result, nil
}

func (a *IMAPAdapter) processOne(ctx context.Context, c *client.Client, uid uint32, sink channel.MessageSink) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	raw, err := collectBody(messages, done, section)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrPolling.WithMessage("imap message has no body").WithDetail("uid", uid)
	}

	msg, err := Parse(a.account.ID, raw)
	if err != nil {
		return err
	}
	if msg.ExternalID == "" {
		msg.ExternalID = a.account.ID + ":" + strconv.FormatUint(uint64(uid), 10)
	}
	msg.RawHeaders["X-Imap-Uid"] = strconv.FormatUint(uint64(uid), 10)

	if err := sink.Accept(ctx, msg); err != nil {
		return err
	}

	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		a.logger.WarnwCtx(ctx, "Failed to mark imap message seen",
			"account_id", a.account.ID,
			"uid", uid,
			"error", err,
		)
	}
	return nil
}

var _ channel.InboundAdapter = (*IMAPAdapter)(nil)

// collectBody reads the fetched section. It always drains messages and waits
// for done so the fetch goroutine can finish.
func collectBody(messages <-chan *imap.Message, done <-chan error, section *imap.BodySectionName) ([]byte, error) {
	var raw []byte
	var readErr error
	for m := range messages {
		body := m.GetBody(section)
		if body == nil || readErr != nil {
			continue
		}
		raw, readErr = io.ReadAll(body)
	}
	fetchErr := <-done
	if readErr != nil {
		return nil, apperrors.ErrPolling.WithCause(readErr).WithMessage("failed to read imap message")
	}
	if fetchErr != nil {
		return nil, apperrors.ErrPolling.WithCause(fetchErr).WithMessage("imap fetch failed")
	}
	return raw, nil
}
