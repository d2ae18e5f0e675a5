package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	postgres_wrapper "github.com/uhyunpark/instruction-desk/pkg/infra/postgres"
	redis_wrapper "github.com/uhyunpark/instruction-desk/pkg/infra/redis"
)

type Server struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// JournalFile receives one JSON line per accepted command. Empty disables it.
	JournalFile string `yaml:"journal_file"`
}

type Session struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SendBuffer       int           `yaml:"send_buffer"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type Store struct {
	Backend    string                            `yaml:"backend"` // memory | pebble | postgres
	PebblePath string                            `yaml:"pebble_path"`
	Postgres   *postgres_wrapper.PostgresConfig `yaml:"postgres"`
	// Migrations is a golang-migrate source URL applied at startup for postgres.
	Migrations string `yaml:"migrations"`
}

type Redis struct {
	Enabled bool                       `yaml:"enabled"`
	Config  *redis_wrapper.RedisConfig `yaml:"config"`
}

type SeedUser struct {
	ID       int64  `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
	Org      string `yaml:"org"`
}

type Auth struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
	Users      []SeedUser    `yaml:"users"`
}

type Lifecycle struct {
	AutoDispatch      bool `yaml:"auto_dispatch"`
	DispatchQueueSize int  `yaml:"dispatch_queue_size"`
}

type Agent struct {
	ServerURL      string        `yaml:"server_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Session   Session   `yaml:"session"`
	Store     Store     `yaml:"store"`
	Redis     Redis     `yaml:"redis"`
	Auth      Auth      `yaml:"auth"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Agent     Agent     `yaml:"agent"`
	Log       Log       `yaml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Session: Session{
			PingInterval:     30 * time.Second,
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    5 * time.Second,
			SendBuffer:       256,
			WriteTimeout:     10 * time.Second,
		},
		Store: Store{
			Backend:    "memory",
			PebblePath: "./data/desk",
			Postgres: &postgres_wrapper.PostgresConfig{
				DataSource:   "host=localhost user=desk password=desk dbname=desk port=5432 sslmode=disable",
				MaxOpenConns: 20,
				MaxIdleConns: 5,
			},
			Migrations: "file://migration/sql",
		},
		Redis: Redis{
			Config: &redis_wrapper.RedisConfig{
				ConnectionURL:      "redis://localhost:6379/0",
				PoolSize:           10,
				DialTimeoutSeconds: 5,
			},
		},
		Auth: Auth{
			JWTSecret:  "dev-secret-change-me",
			TokenTTL:   60 * time.Minute,
			BcryptCost: 10,
			Users: []SeedUser{
				{ID: 1, Username: "im1", Password: "test123", Role: "IM", Org: "desk"},
				{ID: 2, Username: "trader1", Password: "test123", Role: "TRADER", Org: "desk"},
				{ID: 3, Username: "admin1", Password: "test123", Role: "ADMIN", Org: "desk"},
			},
		},
		Lifecycle: Lifecycle{
			AutoDispatch:      true,
			DispatchQueueSize: 1024,
		},
		Agent: Agent{
			ServerURL:      "http://localhost:8080",
			ReconnectDelay: 3 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load builds the configuration.
// Priority: ENV > .env file > YAML file (CONFIG_FILE) > defaults
func Load(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.Server.JournalFile = getEnv("JOURNAL_FILE", cfg.Server.JournalFile)

	cfg.Session.PingInterval = getDurationMs("SESSION_PING_INTERVAL_MS", cfg.Session.PingInterval)
	cfg.Session.HeartbeatTimeout = getDurationMs("SESSION_HEARTBEAT_TIMEOUT_MS", cfg.Session.HeartbeatTimeout)
	cfg.Session.SendBuffer = getInt("SESSION_SEND_BUFFER", cfg.Session.SendBuffer)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Store.Postgres.DataSource = dsn
	}
	if url := os.Getenv("POSTGRES_MIGRATION_URL"); url != "" {
		cfg.Store.Postgres.MigrationConnURL = url
	}

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.Config.ConnectionURL = url
	}

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	if ttl := os.Getenv("TOKEN_TTL_MINUTES"); ttl != "" {
		if m, err := strconv.Atoi(ttl); err == nil {
			cfg.Auth.TokenTTL = time.Duration(m) * time.Minute
		}
	}

	if v := os.Getenv("AUTO_DISPATCH"); v != "" {
		cfg.Lifecycle.AutoDispatch = v == "true"
	}

	cfg.Agent.ServerURL = getEnv("AGENT_SERVER_URL", cfg.Agent.ServerURL)
	cfg.Agent.ReconnectDelay = getDurationMs("AGENT_RECONNECT_DELAY_MS", cfg.Agent.ReconnectDelay)
	cfg.Agent.Username = getEnv("AGENT_USERNAME", cfg.Agent.Username)
	cfg.Agent.Password = getEnv("AGENT_PASSWORD", cfg.Agent.Password)
	cfg.Agent.Token = getEnv("AGENT_TOKEN", cfg.Agent.Token)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationMs(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
