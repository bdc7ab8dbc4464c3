package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	if err := validateRateLimit(cfg.RateLimit); err != nil {
		errs = append(errs, err)
	}

	if err := validateThreading(cfg.Threading); err != nil {
		errs = append(errs, err)
	}

	if err := validatePoller(cfg.Poller); err != nil {
		errs = append(errs, err)
	}

	if err := validateWebhook(cfg.Webhook); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	var err error
	switch cfg.Type {
	case "kafka":
		err = validateKafka(cfg.Kafka)
	case "redis":
		err = validateRedisStreams(cfg.RedisStreams)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, redis)", cfg.Type),
		}
	}
	if err != nil {
		return err
	}

	if cfg.Topics.WebhookEvents == "" || cfg.Topics.InboundMessages == "" {
		return &ValidationError{
			Field:   "broker.topics",
			Message: "webhook_events and inbound_messages topics are required",
		}
	}

	return validateRetry(cfg.Retry)
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return nil
}

func validateRedisStreams(cfg RedisStreamsConfig) error {
	if cfg.Group == "" {
		return &ValidationError{
			Field:   "broker.redis_streams.group",
			Message: "consumer group is required",
		}
	}

	if cfg.BlockTimeout < 0 {
		return &ValidationError{
			Field:   "broker.redis_streams.block_timeout",
			Message: "block_timeout must be non-negative",
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "broker.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "database.redis.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateRateLimit(cfg RateLimitConfig) error {
	switch cfg.FastStore {
	case "", "redis", "memory":
	default:
		return &ValidationError{
			Field:   "rate_limit.fast_store",
			Message: fmt.Sprintf("invalid fast store: %s (valid: redis, memory)", cfg.FastStore),
		}
	}

	switch cfg.DurableStore {
	case "", "postgres", "memory":
	default:
		return &ValidationError{
			Field:   "rate_limit.durable_store",
			Message: fmt.Sprintf("invalid durable store: %s (valid: postgres, memory)", cfg.DurableStore),
		}
	}

	if cfg.FlushEvery.Second < 1 || cfg.FlushEvery.Hour < 1 {
		return &ValidationError{
			Field:   "rate_limit.flush_every",
			Message: "flush intervals must be at least 1",
		}
	}

	if cfg.Defaults.PerSecond < 1 || cfg.Defaults.PerHour < 1 {
		return &ValidationError{
			Field:   "rate_limit.defaults",
			Message: "default limits must be positive",
		}
	}

	return nil
}

func validateThreading(cfg ThreadingConfig) error {
	if cfg.DedupTTLSeconds < 0 {
		return &ValidationError{
			Field:   "threading.dedup_ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	validOnError := map[string]bool{"store": true, "fail": true}
	if cfg.OnRedisError != "" && !validOnError[strings.ToLower(cfg.OnRedisError)] {
		return &ValidationError{
			Field:   "threading.on_redis_error",
			Message: fmt.Sprintf("invalid on_redis_error value: %s (valid: store, fail)", cfg.OnRedisError),
		}
	}

	return nil
}

func validatePoller(cfg PollerConfig) error {
	if cfg.MaxConcurrent < 0 {
		return &ValidationError{
			Field:   "poller.max_concurrent",
			Message: "max_concurrent must be non-negative",
		}
	}

	if cfg.PollTimeout < 0 || cfg.TickInterval < 0 {
		return &ValidationError{
			Field:   "poller",
			Message: "poll_timeout and tick_interval must be non-negative",
		}
	}

	switch cfg.LockBackend {
	case "", "redis", "memory":
	default:
		return &ValidationError{
			Field:   "poller.lock_backend",
			Message: fmt.Sprintf("invalid lock backend: %s (valid: redis, memory)", cfg.LockBackend),
		}
	}

	return nil
}

func validateWebhook(cfg WebhookConfig) error {
	if cfg.MaxRetries < 0 {
		return &ValidationError{
			Field:   "webhook.max_retries",
			Message: "max_retries must be non-negative",
		}
	}

	if cfg.MaxBodyBytes < 0 {
		return &ValidationError{
			Field:   "webhook.max_body_bytes",
			Message: "max_body_bytes must be non-negative",
		}
	}

	return nil
}
