package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// exponential builds the backoff for policy. A zero MaxElapsedTime never
// gives up on time alone; MaxAttempts still bounds the loop.
func exponential(policy Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.Multiplier = policy.Multiplier
	exp.MaxElapsedTime = policy.MaxElapsedTime
	exp.Reset()
	return exp
}

// Delay is the nominal wait before attempt+1, without jitter. It is what
// retry callbacks report.
func Delay(policy Policy, attempt int) time.Duration {
	d := float64(policy.InitialInterval) * math.Pow(policy.Multiplier, float64(attempt))
	if policy.MaxInterval > 0 && d > float64(policy.MaxInterval) {
		return policy.MaxInterval
	}
	return time.Duration(d)
}

// hintBackOff serves a Retry-After delay carried by the last error once, then
// returns to the wrapped policy.
type hintBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintBackOff) NextBackOff() time.Duration {
	if h.hint <= 0 {
		return h.BackOff.NextBackOff()
	}
	d := h.hint
	h.hint = 0
	return d
}
