// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件實作了測試容器（testcontainers）的管理，包括：
//   - Redis 測試容器（RedisPresence、RedisDriver）
//   - PostgreSQL 測試容器與資料表遷移（PostgresDriver）
//   - NATS JetStream 測試容器（NATSPresence）
//
// 所有測試容器都會在測試結束時自動清理。
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-matchmaker/internal/migrations"
)

// testLogger 測試時減少日誌噪音
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// RedisEnv Redis 測試環境
type RedisEnv struct {
	Client *redis.Client
	Addr   string
	Logger *slog.Logger
}

// StartRedis 啟動 Redis 測試容器
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.StartRedis(t)
//	    // 使用 env.Client
//	}
func StartRedis(t testing.TB) *RedisEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return &RedisEnv{Client: client, Addr: endpoint, Logger: testLogger()}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *RedisEnv) FlushRedis(t testing.TB) {
	t.Helper()
	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	Pool   *pgxpool.Pool
	DSN    string
	Logger *slog.Logger
}

// StartPostgres 啟動 PostgreSQL 測試容器並執行遷移
func StartPostgres(t testing.TB) *PostgresEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	env := &PostgresEnv{DSN: dsn, Logger: testLogger()}
	env.runMigrations(t)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	t.Cleanup(env.Pool.Close)

	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
	return env
}

// runMigrations 以嵌入的遷移檔建立資料表
func (env *PostgresEnv) runMigrations(t testing.TB) {
	t.Helper()

	db, err := sql.Open("postgres", env.DSN)
	if err != nil {
		t.Fatalf("failed to open sql connection for migration: %v", err)
	}

	m, err := migrations.New(db, env.Logger)
	if err != nil {
		_ = db.Close()
		t.Fatalf("failed to create migrator: %v", err)
	}
	defer func() { _ = m.Close() }()

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
}

// TruncateListings 清空房間目錄（用於測試之間的清理）
func (env *PostgresEnv) TruncateListings(t testing.TB) {
	t.Helper()
	if _, err := env.Pool.Exec(context.Background(), "TRUNCATE TABLE room_listings"); err != nil {
		t.Fatalf("failed to truncate room_listings: %v", err)
	}
}

// NATSEnv NATS 測試環境
type NATSEnv struct {
	Conn   *nats.Conn
	URL    string
	Logger *slog.Logger
}

// StartNATS 啟動開啟 JetStream 的 NATS 測試容器
func StartNATS(t testing.TB) *NATSEnv {
	t.Helper()
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get nats host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("failed to get nats port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		t.Fatalf("failed to connect nats: %v", err)
	}
	t.Cleanup(conn.Close)

	return &NATSEnv{Conn: conn, URL: url, Logger: testLogger()}
}
