package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 15)
	viper.SetDefault("server.write_timeout_seconds", 15)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.postgres.max_open_conns", 20)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.postgres.conn_max_lifetime", "30m")

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.topics.webhook_events", "webhook_events")
	viper.SetDefault("broker.topics.inbound_messages", "inbound_messages")
	viper.SetDefault("broker.topics.config_updates", "config_updates")
	viper.SetDefault("broker.topics.dlq", "switchboard_dlq")
	viper.SetDefault("broker.retry.max_attempts", 3)
	viper.SetDefault("broker.retry.initial_interval", "1s")
	viper.SetDefault("broker.retry.max_interval", "30s")
	viper.SetDefault("broker.retry.multiplier", 2.0)
	viper.SetDefault("broker.redis_streams.group", "switchboard")
	viper.SetDefault("broker.redis_streams.block_timeout", "5s")

	viper.SetDefault("webhook.enqueue_timeout", "3s")
	viper.SetDefault("webhook.max_body_bytes", 1<<20)
	viper.SetDefault("webhook.max_retries", 3)
	viper.SetDefault("webhook.retry_sweep_interval", "1m")
	viper.SetDefault("webhook.retry_sweep_batch", 100)

	viper.SetDefault("rate_limit.fast_store", "redis")
	viper.SetDefault("rate_limit.durable_store", "postgres")
	viper.SetDefault("rate_limit.flush_every.second", 10)
	viper.SetDefault("rate_limit.flush_every.hour", 50)
	viper.SetDefault("rate_limit.defaults.per_second", 10)
	viper.SetDefault("rate_limit.defaults.per_hour", 1000)

	viper.SetDefault("threading.dedup_ttl_seconds", 86400)
	viper.SetDefault("threading.dedup_prefix", "dedup:")
	viper.SetDefault("threading.on_redis_error", "store")

	viper.SetDefault("rules.reload.interval_seconds", 60)
	viper.SetDefault("rules.reload.jitter_max_milliseconds", 500)
	viper.SetDefault("flows.enabled", true)
	viper.SetDefault("flows.reload.interval_seconds", 60)

	viper.SetDefault("poller.tick_interval", "30s")
	viper.SetDefault("poller.poll_timeout", "2m")
	viper.SetDefault("poller.max_concurrent", 8)
	viper.SetDefault("poller.default_frequency", "5m")
	viper.SetDefault("poller.lock_backend", "redis")

	viper.SetDefault("channels.whatsapp.base_url", "https://graph.facebook.com/v18.0")
	viper.SetDefault("channels.whatsapp.timeout", "30s")
	viper.SetDefault("channels.whatsapp.max_retries", 3)
	viper.SetDefault("channels.facebook.base_url", "https://graph.facebook.com/v18.0")
	viper.SetDefault("channels.facebook.timeout", "30s")
	viper.SetDefault("channels.facebook.max_retries", 3)
	viper.SetDefault("channels.email.dial_timeout", "30s")
	viper.SetDefault("channels.email.max_messages_per_poll", 50)
	viper.SetDefault("channels.email.gmail.api_base_url", "https://gmail.googleapis.com/gmail/v1")
	viper.SetDefault("channels.email.gmail.token_url", "https://oauth2.googleapis.com/token")
	viper.SetDefault("channels.email.gmail.timeout", "30s")
	viper.SetDefault("channels.email.outlook.api_base_url", "https://graph.microsoft.com/v1.0")
	viper.SetDefault("channels.email.outlook.token_url", "https://login.microsoftonline.com/common/oauth2/v2.0/token")
	viper.SetDefault("channels.email.outlook.timeout", "30s")
	viper.SetDefault("channels.instagram.base_url", "https://graph.facebook.com/v18.0")
	viper.SetDefault("channels.instagram.timeout", "30s")
	viper.SetDefault("channels.instagram.max_retries", 3)
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.topics.webhook_events", "BROKER_TOPICS_WEBHOOK_EVENTS")
	viper.BindEnv("broker.topics.inbound_messages", "BROKER_TOPICS_INBOUND_MESSAGES")
	viper.BindEnv("broker.topics.config_updates", "BROKER_TOPICS_CONFIG_UPDATES")
	viper.BindEnv("broker.topics.dlq", "BROKER_TOPICS_DLQ")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")

	viper.BindEnv("rate_limit.fast_store", "RATE_LIMIT_FAST_STORE")
	viper.BindEnv("rate_limit.durable_store", "RATE_LIMIT_DURABLE_STORE")
	viper.BindEnv("poller.lock_backend", "POLLER_LOCK_BACKEND")
	viper.BindEnv("channels.whatsapp.base_url", "CHANNELS_WHATSAPP_BASE_URL")
	viper.BindEnv("channels.facebook.base_url", "CHANNELS_FACEBOOK_BASE_URL")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
