package ratelimit

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/config"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/pkg/circuitbreaker"
)

// NewFromConfig builds a Limiter from the rate_limit section. A missing Redis
// client or database falls back to the in-memory store for that tier.
func NewFromConfig(cfg config.RateLimitConfig, cbCfg config.CircuitBreakerConfig, rdb *redis.Client, db *sql.DB, log logger.Logger) *Limiter {
	var fast FastStore
	if cfg.FastStore == constants.StoreRedis && rdb != nil {
		fast = NewRedisFastStore(rdb, log)
	} else {
		fast = NewMemoryFastStore()
	}

	var durable DurableStore
	if cfg.DurableStore == constants.StorePostgres && db != nil {
		durable = NewPostgresDurableStore(db)
		if cbCfg.Enabled {
			durable = NewBreakerDurableStore(durable, circuitbreaker.New("ratelimit-durable-store", cbCfg))
		}
	} else {
		durable = NewMemoryDurableStore()
	}

	return NewLimiter(fast, durable, log, WithFlushEvery(cfg.FlushEvery.Second, cfg.FlushEvery.Hour))
}

// LimitsFrom converts the configured per-channel limits.
func LimitsFrom(cfg config.RateLimitConfig, channel string) Limits {
	l := cfg.LimitsFor(channel)
	return Limits{PerSecond: l.PerSecond, PerHour: l.PerHour}
}
