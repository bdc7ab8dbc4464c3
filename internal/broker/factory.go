package broker

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/config"
	"switchboard/internal/logger"
)

// NewProducer builds the configured producer. rdb is only required for the "redis" broker type.
func NewProducer(cfg config.BrokerConfig, rdb *redis.Client, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisStreamProducer(rdb, cfg.RedisStreams, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, rdb *redis.Client, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(cfg, log), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisStreamConsumer(rdb, cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
