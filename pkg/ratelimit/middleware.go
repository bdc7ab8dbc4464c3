// Package ratelimit throttles inbound HTTP traffic per client key with token
// buckets. Outbound provider quotas live in internal/ratelimit.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(c *gin.Context) string
}

// ClientIPKey buckets requests by client address.
func ClientIPKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return c.RemoteIP()
}

// WebhookKey buckets requests per channel account and client address so one
// noisy account cannot starve the others.
func WebhookKey(c *gin.Context) string {
	return c.Param("channel") + ":" + c.Param("accountId") + ":" + ClientIPKey(c)
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	d := DefaultConfig()
	if c.RPS <= 0 {
		c.RPS = d.RPS
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.KeyFunc == nil {
		c.KeyFunc = ClientIPKey
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets is the per-key limiter table. Idle keys are swept after maxAge.
type buckets struct {
	mu      sync.Mutex
	entries map[string]*bucket
	rps     rate.Limit
	burst   int
}

func newBuckets(rps float64, burst int) *buckets {
	return &buckets{entries: make(map[string]*bucket), rps: rate.Limit(rps), burst: burst}
}

// take spends one token for key and reports how long the caller should wait
// when none is left.
func (b *buckets) take(key string, now time.Time) (bool, time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &bucket{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.entries[key] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		return true, 0, int(e.limiter.TokensAt(now))
	}
	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait, 0
}

func (b *buckets) sweep(now time.Time, maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if now.Sub(e.lastSeen) > maxAge {
			delete(b.entries, key)
		}
	}
}

// RateLimitMiddleware throttles requests until ctx is cancelled, which also
// stops the idle bucket cleanup. Rejections use the standard error body with
// a Retry-After header.
func RateLimitMiddleware(ctx context.Context, config RateLimitConfig) gin.HandlerFunc {
	config = config.withDefaults()
	table := newBuckets(config.RPS, config.Burst)
	limitHeader := strconv.Itoa(int(math.Ceil(config.RPS)))

	go func() {
		ticker := time.NewTicker(config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				table.sweep(now, config.MaxAge)
			}
		}
	}()

	return func(c *gin.Context) {
		allowed, wait, remaining := table.take(config.KeyFunc(c), time.Now())
		c.Header("X-RateLimit-Limit", limitHeader)

		if !allowed {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			err := apperrors.ErrRateLimitExceeded.WithRetryAfter(time.Duration(retryAfter) * time.Second)
			c.AbortWithStatusJSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
