package config

import (
	"time"
)

type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	Broker           BrokerConfig
	Logging          LoggingConfig
	Webhook          WebhookConfig
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	Threading        ThreadingConfig
	Rules            RulesConfig
	Flows            FlowsConfig
	Poller           PollerConfig
	IngressRateLimit IngressRateLimitConfig `mapstructure:"ingress_rate_limit"`
	CircuitBreaker   CircuitBreakerConfig   `mapstructure:"circuit_breaker"`
	Tracing          TracingConfig
	Channels         ChannelsConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type         string             `mapstructure:"type"` // "kafka" or "redis"
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	RedisStreams RedisStreamsConfig `mapstructure:"redis_streams"`
	Topics       TopicsConfig       `mapstructure:"topics"`
	Retry        RetryConfig        `mapstructure:"retry"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type RedisStreamsConfig struct {
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	MaxLen       int64         `mapstructure:"max_len"`
}

type TopicsConfig struct {
	WebhookEvents   string `mapstructure:"webhook_events"`
	InboundMessages string `mapstructure:"inbound_messages"`
	ConfigUpdates   string `mapstructure:"config_updates"`
	DLQ             string `mapstructure:"dlq"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebhookConfig struct {
	EnqueueTimeout     time.Duration `mapstructure:"enqueue_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
	RetrySweepBatch    int           `mapstructure:"retry_sweep_batch"`
}

// RateLimitConfig configures the outbound dual-window limiter.
type RateLimitConfig struct {
	FastStore    string                  `mapstructure:"fast_store"`    // "redis" or "memory"
	DurableStore string                  `mapstructure:"durable_store"` // "postgres" or "memory"
	FlushEvery   FlushEveryConfig        `mapstructure:"flush_every"`
	Defaults     LimitsConfig            `mapstructure:"defaults"`
	Channels     map[string]LimitsConfig `mapstructure:"channels"`
}

type FlushEveryConfig struct {
	Second int `mapstructure:"second"`
	Hour   int `mapstructure:"hour"`
}

type LimitsConfig struct {
	PerSecond int `mapstructure:"per_second"`
	PerHour   int `mapstructure:"per_hour"`
}

type ThreadingConfig struct {
	DedupTTLSeconds int    `mapstructure:"dedup_ttl_seconds"`
	DedupPrefix     string `mapstructure:"dedup_prefix"`
	OnRedisError    string `mapstructure:"on_redis_error"` // "store" (fall through to the message store) or "fail"
}

type RulesConfig struct {
	Reload ReloadConfig `mapstructure:"reload"`
}

type ReloadConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	JitterMaxMilliseconds int `mapstructure:"jitter_max_milliseconds"`
}

type FlowsConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Reload  ReloadConfig `mapstructure:"reload"`
}

type PollerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	DefaultFrequency time.Duration `mapstructure:"default_frequency"`
	LockBackend      string        `mapstructure:"lock_backend"` // "redis" or "memory"
}

type IngressRateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

type ChannelsConfig struct {
	WhatsApp  GraphAPIConfig `mapstructure:"whatsapp"`
	Facebook  GraphAPIConfig `mapstructure:"facebook"`
	Instagram GraphAPIConfig `mapstructure:"instagram"`
	Email     EmailConfig    `mapstructure:"email"`
}

type GraphAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type EmailConfig struct {
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	MaxMessagesPerPoll int           `mapstructure:"max_messages_per_poll"`
	Gmail              GmailConfig   `mapstructure:"gmail"`
	Outlook            GmailConfig   `mapstructure:"outlook"`
}

// GmailConfig also serves Outlook, which has the same OAuth2 REST shape.
type GmailConfig struct {
	APIBaseURL string        `mapstructure:"api_base_url"`
	TokenURL   string        `mapstructure:"token_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

// LimitsFor returns the channel override when present, falling back to the defaults per field.
func (c RateLimitConfig) LimitsFor(channel string) LimitsConfig {
	limits := c.Defaults
	if override, ok := c.Channels[channel]; ok {
		if override.PerSecond > 0 {
			limits.PerSecond = override.PerSecond
		}
		if override.PerHour > 0 {
			limits.PerHour = override.PerHour
		}
	}
	return limits
}
