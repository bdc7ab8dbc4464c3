// Package ratelimit implements the outbound dual-window rate limiter: a fixed
// one-second window and a fixed one-hour window per (account, endpoint), kept
// in a FastStore and written back to a DurableStore.
package ratelimit

import (
	"context"
	"time"

	"switchboard/internal/logger"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
)

const (
	DefaultFlushEverySecond = 10
	DefaultFlushEveryHour   = 50
)

type Decision struct {
	Allowed    bool
	Second     Window
	Hour       Window
	RetryAfter time.Duration
}

type Option func(*Limiter)

func WithFlushEvery(second, hour int) Option {
	return func(l *Limiter) {
		if second > 0 {
			l.flushEvery[GranularitySecond] = second
		}
		if hour > 0 {
			l.flushEvery[GranularityHour] = hour
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

type Limiter struct {
	fast       FastStore
	durable    DurableStore
	flushEvery map[Granularity]int
	logger     logger.Logger
	now        func() time.Time
}

func NewLimiter(fast FastStore, durable DurableStore, log logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		fast:    fast,
		durable: durable,
		flushEvery: map[Granularity]int{
			GranularitySecond: DefaultFlushEverySecond,
			GranularityHour:   DefaultFlushEveryHour,
		},
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire admits one request for accountID/endpoint or returns a
// RATE_LIMIT_EXCEEDED error whose RetryAfter is the time left in the
// blocking window. A denied request increments neither window.
func (l *Limiter) Acquire(ctx context.Context, accountID, endpoint string, limits Limits) (Decision, error) {
	now := l.now().UTC()
	specs := specsFor(accountID, endpoint, limits, now)

	res, err := l.fast.Admit(ctx, specs, false)
	if err != nil {
		return Decision{}, apperrors.ErrServiceUnavailable.WithCause(err).WithMessage("rate limit store unavailable")
	}

	if res.Status == AdmitMiss {
		for i := range specs {
			specs[i].Seed = l.loadSeed(ctx, accountID, endpoint, specs[i], now)
		}
		res, err = l.fast.Admit(ctx, specs, true)
		if err != nil {
			return Decision{}, apperrors.ErrServiceUnavailable.WithCause(err).WithMessage("rate limit store unavailable")
		}
	}

	for i := range res.Windows {
		res.Windows[i].AccountID = accountID
		res.Windows[i].Endpoint = endpoint
	}

	decision := Decision{
		Allowed: res.Status == AdmitAllowed,
		Second:  res.Windows[0],
		Hour:    res.Windows[1],
	}

	l.flush(ctx, res)

	if !decision.Allowed {
		blocking := res.Windows[res.Denied]
		decision.RetryAfter = blocking.WindowEnd.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		metrics.IncRateLimitDecision(endpoint, "denied_"+string(blocking.Granularity))
		return decision, apperrors.ErrRateLimitExceeded.
			WithRetryAfter(decision.RetryAfter).
			WithDetail("account_id", accountID).
			WithDetail("endpoint", endpoint).
			WithDetail("granularity", string(blocking.Granularity))
	}

	metrics.IncRateLimitDecision(endpoint, "allowed")
	return decision, nil
}

// loadSeed returns the durable window when it is still current. A stale or
// missing durable window seeds a fresh zero count.
func (l *Limiter) loadSeed(ctx context.Context, accountID, endpoint string, spec WindowSpec, now time.Time) *Window {
	if l.durable == nil {
		return nil
	}
	w, err := l.durable.Load(ctx, accountID, endpoint, spec.Granularity)
	if err != nil {
		l.logger.WarnwCtx(ctx, "Failed to load durable rate limit window, starting fresh",
			"error", err,
			"endpoint", endpoint,
			"granularity", spec.Granularity,
		)
		return nil
	}
	if w == nil || !w.Current(now) || !w.WindowStart.Equal(spec.Start) {
		return nil
	}
	return w
}

// flush writes windows back every Nth increment and whenever a window blocks.
// Failures are logged only; they never fail the caller.
func (l *Limiter) flush(ctx context.Context, res AdmitResult) {
	if l.durable == nil {
		return
	}
	for _, w := range res.Windows {
		due := w.IsBlocked && res.Status == AdmitDenied
		if !due && res.Status == AdmitAllowed {
			every := l.flushEvery[w.Granularity]
			due = every > 0 && w.RequestCount%every == 0
		}
		if !due {
			continue
		}
		if err := l.durable.Save(ctx, w); err != nil {
			metrics.IncRateLimitFlush(string(w.Granularity), "error")
			l.logger.WarnwCtx(ctx, "Failed to flush rate limit window",
				"error", err,
				"endpoint", w.Endpoint,
				"granularity", w.Granularity,
				"count", w.RequestCount,
			)
			continue
		}
		metrics.IncRateLimitFlush(string(w.Granularity), "ok")
	}
}
