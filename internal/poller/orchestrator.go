// Package poller drives the pull channels: it picks the accounts that are due,
// polls each one under an exclusive lock and forwards what it finds.
package poller

import (
	"context"
	"time"

	"switchboard/internal/channel"
	"switchboard/internal/config"
	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/logging"
	"switchboard/pkg/metrics"
	"switchboard/pkg/result"
	"switchboard/pkg/tracing"
)

const defaultPollTimeout = 5 * time.Minute

// Orchestrator polls a single account.
type Orchestrator struct {
	accounts channel.CredentialSource
	registry *channel.Registry
	sink     channel.MessageSink
	locker   Locker
	timeout  time.Duration
	logger   logger.Logger
	now      func() time.Time
}

func NewOrchestrator(accounts channel.CredentialSource, registry *channel.Registry, sink channel.MessageSink, locker Locker, cfg config.PollerConfig, log logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NopLogger()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &Orchestrator{
		accounts: accounts,
		registry: registry,
		sink:     sink,
		locker:   locker,
		timeout:  timeout,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PollAccount polls accountID once. Connection errors come back as Failed so
// the caller can retry; authentication errors park the account in auth_error
// and any other error is recorded on the account and reported as Ignored.
func (o *Orchestrator) PollAccount(ctx context.Context, accountID string) result.Result[channel.PollResult] {
	ctx = logging.WithAccountID(ctx, accountID)

	account, err := o.accounts.Get(ctx, accountID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			o.logger.WarnwCtx(ctx, "Account to poll no longer exists")
			return result.Ignored[channel.PollResult]("account not found")
		}
		return result.Failed[channel.PollResult](apperrors.ErrServiceUnavailable.WithMessage("failed to load channel account").WithCause(err))
	}
	if !account.IsActive {
		return result.Ignored[channel.PollResult]("account inactive")
	}
	ctx = logging.WithChannel(ctx, string(account.Channel))

	// The poll deadline is fixed before the lock is taken so it never outlives the lock.
	pollCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	release, ok, err := o.locker.Acquire(ctx, account.ID, o.timeout)
	if err != nil {
		return result.Failed[channel.PollResult](apperrors.ErrServiceUnavailable.WithMessage("failed to acquire poll lock").WithCause(err))
	}
	if !ok {
		o.logger.DebugwCtx(ctx, "Poll already running for account")
		metrics.IncPoll(string(account.Channel), "locked")
		return result.Ignored[channel.PollResult]("poll already in progress")
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.WarnwCtx(ctx, "Failed to release poll lock", "error", err)
		}
	}()

	pollCtx, span := tracing.GetTracer("poller").Start(pollCtx, "poller.poll_account")
	defer span.End()

	adapter, err := o.registry.Inbound(*account)
	if err != nil {
		o.record(ctx, account, channel.AccountError, err)
		metrics.IncPoll(string(account.Channel), "config_error")
		return result.Ignored[channel.PollResult](err.Error())
	}

	start := o.now()
	o.logger.InfowCtx(ctx, "Starting account poll")
	res, err := adapter.Poll(pollCtx, o.sink)
	metrics.ObservePollDuration(string(account.Channel), time.Since(start))
	if res.MessagesFound > 0 {
		metrics.AddPollMessages(string(account.Channel), "processed", res.MessagesProcessed)
		metrics.AddPollMessages(string(account.Channel), "failed", res.MessagesFailed)
	}

	switch {
	case err == nil:
		o.record(ctx, account, channel.AccountActive, nil)
		metrics.IncPoll(string(account.Channel), string(res.Status))
		o.logger.InfowCtx(ctx, "Account poll completed",
			"status", res.Status,
			"messages_found", res.MessagesFound,
			"messages_processed", res.MessagesProcessed,
			"messages_failed", res.MessagesFailed,
		)
		return result.Ok(res)

	case apperrors.IsConnection(err):
		metrics.IncPoll(string(account.Channel), "connection_error")
		o.logger.WarnwCtx(ctx, "Connection error polling account, will retry", "error", err)
		return result.Failed[channel.PollResult](err)

	case apperrors.IsAuthentication(err):
		o.record(ctx, account, channel.AccountAuthError, err)
		metrics.IncPoll(string(account.Channel), "auth_error")
		o.logger.WarnwCtx(ctx, "Authentication failed, account parked", "error", err)
		return result.Ignored[channel.PollResult]("authentication failed")

	default:
		o.record(ctx, account, channel.AccountError, err)
		metrics.IncPoll(string(account.Channel), "error")
		o.logger.ErrorwCtx(ctx, "Unhandled error polling account", "error", err)
		return result.Ignored[channel.PollResult](err.Error())
	}
}

func (o *Orchestrator) record(ctx context.Context, account *channel.Account, status channel.AccountStatus, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := o.accounts.RecordPoll(ctx, account.ID, o.now(), status, lastError); err != nil {
		o.logger.ErrorwCtx(ctx, "Failed to record poll outcome", "status", status, "error", err)
	}
}
