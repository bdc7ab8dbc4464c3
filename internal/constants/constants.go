package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultDialTimeout    = 30 * time.Second
	DefaultEnqueueTimeout = 3 * time.Second
)

const (
	CacheKeyPrefixDedup     = "dedup:"
	CacheKeyPrefixRateLimit = "ratelimit:"
	CacheKeyPrefixPollLock  = "poll_lock:"
)

const (
	DefaultMongoDBName = "switchboard"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultTruncateLen = 100
)

const (
	DefaultTTLSeconds = 3600
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

// Provider retry behaviour for outbound Graph API calls.
const (
	DefaultRetryAfter     = 60 * time.Second
	DefaultSendMaxRetries = 3
	SendBackoffBase       = 2.0
)

const (
	ServiceGateway   = "gateway-service"
	ServiceProcessor = "processor-service"
	ServicePoller    = "poller-service"
)

const (
	StoreRedis    = "redis"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)
