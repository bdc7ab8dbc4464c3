//go:build integration

package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"

	"switchboard/internal/config"
	"switchboard/pkg/bootstrap"
)

// Need selects the backing stores a test starts containers for.
type Need uint8

const (
	NeedPostgres Need = 1 << iota
	NeedMongo
	NeedRedis
)

const (
	testDBName   = "switchboard_test"
	testUser     = "switchboard"
	testPassword = "switchboard"
)

type TestInfra struct {
	PostgresDB  *sql.DB
	MongoDB     *mongo.Database
	RedisClient *redisclient.Client
}

// SetupInfra starts the requested containers and connects to them through the
// same bootstrap path the services use, so migrations and flow indexes are
// applied exactly as in production.
func SetupInfra(t *testing.T, needs Need) *TestInfra {
	t.Helper()
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	ctx := context.Background()
	cfg := &config.Config{}
	cfg.Database.RunMigrations = true
	if needs&NeedPostgres != 0 {
		cfg.Database.Postgres = startPostgres(t, ctx)
	}
	if needs&NeedMongo != 0 {
		cfg.Database.MongoDB = config.MongoDBConfig{URI: startMongo(t, ctx), Database: testDBName}
	}
	if needs&NeedRedis != 0 {
		cfg.Database.Redis = startRedis(t, ctx)
	}

	dc := bootstrap.NewDatabaseConnector(cfg, createTestLogger())
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	infra := &TestInfra{}
	if needs&NeedPostgres != 0 {
		db, err := dc.InitPostgreSQL(connectCtx)
		require.NoError(t, err, "postgres")
		t.Cleanup(func() { db.Close() })
		infra.PostgresDB = db
	}
	if needs&NeedMongo != 0 {
		client, err := dc.InitMongoDB(connectCtx)
		require.NoError(t, err, "mongo")
		t.Cleanup(func() { client.Disconnect(context.Background()) })
		infra.MongoDB, err = dc.FlowDatabase(connectCtx, client)
		require.NoError(t, err, "mongo collections")
	}
	if needs&NeedRedis != 0 {
		rdb, err := dc.InitRedis(connectCtx)
		require.NoError(t, err, "redis")
		t.Cleanup(func() { rdb.Close() })
		infra.RedisClient = rdb
	}
	return infra
}

func terminateOnCleanup(t *testing.T, c testcontainers.Container) {
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})
}

func startPostgres(t *testing.T, ctx context.Context) config.PostgresConfig {
	container, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase(testDBName),
		postgresmodule.WithUsername(testUser),
		postgresmodule.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(containerStartupTimeout*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	terminateOnCleanup(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return config.PostgresConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testUser,
		Password: testPassword,
		DBName:   testDBName,
		SSLMode:  "disable",
	}
}

func startMongo(t *testing.T, ctx context.Context) string {
	container, err := mongodb.Run(ctx, "mongo:6",
		mongodb.WithUsername(testUser),
		mongodb.WithPassword(testPassword),
	)
	require.NoError(t, err, "start mongo container")
	terminateOnCleanup(t, container)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

func startRedis(t *testing.T, ctx context.Context) config.RedisConfig {
	container, err := redismodule.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "start redis container")
	terminateOnCleanup(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return config.RedisConfig{Host: host, Port: port.Int()}
}

// SetupKafka starts a single-node Kafka and returns its bootstrap brokers.
func SetupKafka(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()
	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("switchboard-test"),
	)
	require.NoError(t, err, "start kafka container")
	terminateOnCleanup(t, container)

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}
