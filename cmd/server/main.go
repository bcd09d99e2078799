package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/koopa0/system-design/14-matchmaker/internal/api"
	"github.com/koopa0/system-design/14-matchmaker/internal/config"
	"github.com/koopa0/system-design/14-matchmaker/internal/driver"
	"github.com/koopa0/system-design/14-matchmaker/internal/matchmaker"
	"github.com/koopa0/system-design/14-matchmaker/internal/migrations"
	"github.com/koopa0/system-design/14-matchmaker/internal/presence"
	"github.com/koopa0/system-design/14-matchmaker/internal/transport"
	"github.com/koopa0/system-design/14-matchmaker/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑（YAML）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.Level == "debug",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { err = multierr.Append(err, closeLog()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mm, err := matchmaker.New(ctx, matchmaker.Config{
		ProcessID:              cfg.MatchMaker.ProcessID,
		Presence:               b.presence,
		Driver:                 b.driver,
		Logger:                 log,
		Registerer:             reg,
		SeatReservationTime:    cfg.MatchMaker.SeatReservationTime,
		RemoteRoomShortTimeout: cfg.MatchMaker.RemoteRoomShortTimeout,
		JoinOrCreateRetries:    cfg.MatchMaker.JoinOrCreateRetries,
		JoinRetries:            cfg.MatchMaker.JoinRetries,
		RetryBaseDelay:         cfg.MatchMaker.RetryBaseDelay,
		PatchRate:              cfg.Room.PatchRate,
	})
	if err != nil {
		return fmt.Errorf("start matchmaker: %w", err)
	}
	defer func() {
		// 主 goroutine 的 panic 也要先離開叢集，其他程序才不會把房間派到這裡
		if rec := recover(); rec != nil {
			log.Error("panic, shutting down", "panic", rec)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			err = multierr.Append(fmt.Errorf("panic: %v", rec), mm.GracefullyShutdown(shutdownCtx))
		}
	}()
	defineRooms(ctx, mm)

	ws := transport.NewServer(mm, log)
	mux := api.NewHandler(mm, reg, log).Routes()
	mux.HandleFunc("GET /ws/{roomId}", ws.ServeWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("matchmaker server listening",
			"port", cfg.Server.Port,
			"process_id", mm.ProcessID(),
			"presence", cfg.Presence.Type,
			"driver", cfg.Driver.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先離開叢集並關閉房間，房間會逐一關閉自己的連線；最後才停止 HTTP
	err = multierr.Combine(
		mm.GracefullyShutdown(shutdownCtx),
		ws.Close(shutdownCtx),
		server.Shutdown(shutdownCtx),
	)
	log.Info("server stopped", "error", err)
	return err
}

// backends 依配置開啟的 Presence 與 Driver，以及需要在結束時關閉的連線
type backends struct {
	presence presence.Presence
	driver   driver.Driver
	closers  []func() error
}

func (b *backends) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	return err
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	var redisClient *redis.Client
	needRedis := cfg.Presence.Type == config.PresenceRedis || cfg.Driver.Type == config.DriverRedis
	if needRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		b.closers = append(b.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Presence.Type {
	case config.PresenceRedis:
		p, err := presence.NewRedis(ctx, redisClient, log)
		if err != nil {
			return nil, fmt.Errorf("create redis presence: %w", err)
		}
		b.presence = p
	case config.PresenceNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("matchmaker"))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		b.closers = append(b.closers, func() error { nc.Close(); return nil })
		p, err := presence.NewNATS(nc, cfg.NATS.KVBucket, log)
		if err != nil {
			return nil, fmt.Errorf("create nats presence: %w", err)
		}
		b.presence = p
	default:
		b.presence = presence.NewLocal()
	}
	b.closers = append(b.closers, b.presence.Close)

	switch cfg.Driver.Type {
	case config.DriverRedis:
		b.driver = driver.NewRedis(redisClient)
	case config.DriverPostgres:
		pool, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.driver = driver.NewPostgres(pool)
	case config.DriverSQLite:
		d, err := driver.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		b.driver = d
	default:
		b.driver = driver.NewLocal()
	}
	b.closers = append(b.closers, b.driver.Close)

	return b, nil
}

// openPostgres 執行遷移後建立連線池
func openPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	migrator, err := migrations.New(db, log)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	if err := migrator.Up(); err != nil {
		return nil, multierr.Append(fmt.Errorf("run migrations: %w", err), migrator.Close())
	}
	if err := migrator.Close(); err != nil {
		log.Warn("close migrator", "error", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
