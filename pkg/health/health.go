package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/config"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcChecker) Name() string                    { return c.name }
func (c funcChecker) Check(ctx context.Context) error { return c.fn(ctx) }

// Func adapts a ping function into a Checker.
func Func(name string, fn func(ctx context.Context) error) Checker {
	return funcChecker{name: name, fn: fn}
}

// optionalChecker reports failures as degraded instead of unhealthy.
type optionalChecker struct {
	Checker
}

func Optional(c Checker) Checker {
	return &optionalChecker{Checker: c}
}

type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, checker)
	r.mu.Unlock()
}

// Check runs every checker concurrently, each under its own timeout.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := checker.Check(checkCtx)
			res := CheckResult{Status: StatusHealthy, Latency: time.Since(start), Timestamp: start}
			if err != nil {
				res.Message = err.Error()
				res.Status = StatusUnhealthy
				if _, optional := checker.(*optionalChecker); optional {
					res.Status = StatusDegraded
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	h := Health{Status: StatusHealthy, Timestamp: time.Now(), Checks: make(map[string]CheckResult, len(checkers))}
	for i, checker := range checkers {
		res := results[i]
		h.Checks[checker.Name()] = res
		switch {
		case res.Status == StatusUnhealthy:
			h.Status = StatusUnhealthy
		case res.Status == StatusDegraded && h.Status == StatusHealthy:
			h.Status = StatusDegraded
		}
	}
	return h
}

func (h Health) HTTPStatus() int {
	if h.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ServeHTTP lets the registry back a plain net/http mux.
func (r *CheckerRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := r.Check(req.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.HTTPStatus())
	_ = json.NewEncoder(w).Encode(h)
}

// Handler serves the registry on a gin router.
func Handler(r *CheckerRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := r.Check(c.Request.Context())
		c.JSON(h.HTTPStatus(), h)
	}
}

func NewPostgreSQLChecker(db *sql.DB) Checker {
	return Func("postgresql", func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgresql ping failed: %w", err)
		}
		return nil
	})
}

func NewRedisChecker(client *redis.Client) Checker {
	return Func("redis", func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	})
}

func NewMongoDBChecker(client *mongo.Client) Checker {
	return Func("mongodb", func(ctx context.Context) error {
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongodb ping failed: %w", err)
		}
		return nil
	})
}

// NewKafkaChecker passes when any seed broker answers a metadata request.
func NewKafkaChecker(brokers []string) Checker {
	return Func("kafka", func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("no kafka brokers configured")
		}
		var errs []error
		for _, addr := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_, err = conn.Brokers()
			conn.Close()
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
	})
}

// NewBrokerChecker checks whichever broker cfg selects. The Redis Streams
// broker shares rdb with the other Redis users.
func NewBrokerChecker(cfg config.BrokerConfig, rdb *redis.Client) Checker {
	if cfg.Type == "redis" && rdb != nil {
		c := NewRedisChecker(rdb)
		return Func("redis_streams", c.Check)
	}
	return NewKafkaChecker(cfg.Kafka.Brokers)
}
