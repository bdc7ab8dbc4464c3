package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"switchboard/internal/config"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
)

const (
	defaultMaxRequests  = 3
	defaultInterval     = time.Minute
	defaultTimeout      = time.Minute
	defaultFailureRatio = 0.5
	defaultMinRequests  = 3
)

// Breaker guards one downstream: a provider account's Graph API client or the
// durable rate-limit store.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a breaker named name. Zero fields in cfg fall back to the
// defaults; the Enabled flag is the caller's concern.
func New(name string, cfg config.CircuitBreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: defaultMaxRequests,
		Interval:    defaultInterval,
		Timeout:     defaultTimeout,
	}
	if cfg.MaxRequests > 0 {
		settings.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		settings.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		settings.Timeout = cfg.Timeout
	}

	ratio, minRequests := defaultFailureRatio, uint32(defaultMinRequests)
	if cfg.FailureRatio > 0 {
		ratio = cfg.FailureRatio
	}
	if cfg.MinRequests > 0 {
		minRequests = cfg.MinRequests
	}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.Requests >= minRequests &&
			float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
	settings.OnStateChange = func(name string, _, to gobreaker.State) {
		setStateMetric(name, to)
	}
	settings.IsSuccessful = countsAsSuccess

	cb := gobreaker.NewCircuitBreaker(settings)
	setStateMetric(name, cb.State())
	return &Breaker{cb: cb}
}

// countsAsSuccess keeps caller mistakes and provider throttling from tripping
// the breaker; neither says the downstream is down.
func countsAsSuccess(err error) bool {
	return err == nil ||
		apperrors.IsValidation(err) ||
		apperrors.IsAuthentication(err) ||
		apperrors.IsNotFound(err) ||
		apperrors.IsRateLimited(err)
}

func (b *Breaker) Name() string           { return b.cb.Name() }
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
func (b *Breaker) IsOpen() bool           { return b.cb.State() == gobreaker.StateOpen }
func (b *Breaker) IsClosed() bool         { return b.cb.State() == gobreaker.StateClosed }

func setStateMetric(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Do runs fn through the breaker. An open breaker surfaces as a retryable
// ServiceUnavailable so callers back off instead of failing the message.
func Do[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	state := b.cb.State().String()
	result, err := b.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})

	metrics.CircuitBreakerRequests.WithLabelValues(b.Name(), state).Inc()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, apperrors.ErrServiceUnavailable.WithCause(err).WithDetail("breaker", b.Name()).AsRetryable()
		}
		metrics.CircuitBreakerFailures.WithLabelValues(b.Name()).Inc()
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}
