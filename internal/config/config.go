// Package config 載入配對服務的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Presence 後端類型
const (
	PresenceLocal = "local"
	PresenceRedis = "redis"
	PresenceNATS  = "nats"
)

// Driver 後端類型
const (
	DriverLocal    = "local"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	MatchMaker struct {
		ProcessID string `yaml:"process_id"` // 空字串時自動產生

		// SeatReservationTime 座位預約有效時間
		SeatReservationTime time.Duration `yaml:"seat_reservation_time"`
		// RemoteRoomShortTimeout 跨程序呼叫的短逾時（建房、查詢屬性）
		RemoteRoomShortTimeout time.Duration `yaml:"remote_room_short_timeout"`
		// JoinOrCreateRetries 座位競爭時的最大重試次數
		JoinOrCreateRetries int `yaml:"join_or_create_retries"`
		JoinRetries         int `yaml:"join_retries"`
		// RetryBaseDelay 退避基準時間
		RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	} `yaml:"matchmaker"`

	Room struct {
		PatchRate time.Duration `yaml:"patch_rate"`
	} `yaml:"room"`

	Presence struct {
		Type string `yaml:"type"` // local | redis | nats
	} `yaml:"presence"`

	Driver struct {
		Type string `yaml:"type"` // local | redis | postgres | sqlite
	} `yaml:"driver"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`

	NATS struct {
		URL      string `yaml:"url"`
		KVBucket string `yaml:"kv_bucket"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Default 回傳預設配置
//
// 預設值：
//   - 座位預約 15 秒
//   - 跨程序短逾時 2 秒
//   - 狀態同步每 50ms 一次
//   - 單機模式（local presence + local driver）
func Default() *Config {
	c := &Config{}
	c.Server.Port = 2567
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.MatchMaker.SeatReservationTime = 15 * time.Second
	c.MatchMaker.RemoteRoomShortTimeout = 2 * time.Second
	c.MatchMaker.JoinOrCreateRetries = 5
	c.MatchMaker.JoinRetries = 3
	c.MatchMaker.RetryBaseDelay = 400 * time.Millisecond

	c.Room.PatchRate = 50 * time.Millisecond

	c.Presence.Type = PresenceLocal
	c.Driver.Type = DriverLocal

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "matchmaker"
	c.Postgres.MaxConns = 10

	c.SQLite.Path = "data/matchmaker.db"

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.KVBucket = "matchmaker"

	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.Output = "stdout"
	return c
}

// Load 載入配置檔案，未出現的欄位保留預設值
//
// path 為空字串時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("PROCESS_ID"); v != "" {
		c.MatchMaker.ProcessID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SEAT_RESERVATION_TIME"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("SEAT_RESERVATION_TIME: %w", err)
		}
		c.MatchMaker.SeatReservationTime = d
	}
	if v := os.Getenv("PRESENCE_SHORT_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_SHORT_TIMEOUT: %w", err)
		}
		c.MatchMaker.RemoteRoomShortTimeout = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// parseSeconds 接受 "15" 或 "15s" 兩種格式
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error
	if c.MatchMaker.SeatReservationTime <= 0 {
		errs = append(errs, errors.New("matchmaker.seat_reservation_time must be positive"))
	}
	if c.MatchMaker.RemoteRoomShortTimeout <= 0 {
		errs = append(errs, errors.New("matchmaker.remote_room_short_timeout must be positive"))
	}
	if c.MatchMaker.JoinOrCreateRetries < 0 || c.MatchMaker.JoinRetries < 0 {
		errs = append(errs, errors.New("matchmaker retries must not be negative"))
	}
	if c.Room.PatchRate < 0 {
		errs = append(errs, errors.New("room.patch_rate must not be negative"))
	}
	switch c.Presence.Type {
	case PresenceLocal, PresenceRedis, PresenceNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown presence type %q", c.Presence.Type))
	}
	switch c.Driver.Type {
	case DriverLocal, DriverRedis, DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown driver type %q", c.Driver.Type))
	}
	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
