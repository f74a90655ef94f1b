package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend selectors.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App             AppConfig
	Storage         StorageConfig
	Postgres        PostgresConfig
	SQLite          SQLiteConfig
	Redis           RedisConfig
	Logger          LoggerConfig
	Auth            AuthConfig
	Discord         DiscordConfig
	Transcript      TranscriptConfig
	Sweep           SweepConfig
	GuildConfigPath string
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// StorageConfig selects the backend and shapes the persistence facade.
type StorageConfig struct {
	Backend                 string
	MaxConcurrent           int
	MaxQueue                int
	RetryAttempts           int
	RetryBaseMS             int
	RetryFactor             float64
	RetryMaxMS              int
	OperationTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// SQLiteConfig holds the database file location.
type SQLiteConfig struct {
	Path          string
	BusyTimeoutMS int
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines service token parameters.
type AuthConfig struct {
	JWTSecret              string
	AccessTokenTTLMinutes  int
	ConfirmationTTLSeconds int
}

// DiscordConfig enables the chat platform collaborator when Token is set.
type DiscordConfig struct {
	Token string
}

// TranscriptConfig locates stored transcripts.
type TranscriptConfig struct {
	Dir          string
	MessageLimit int
}

// SweepConfig drives the missing-transcript sweeper.
type SweepConfig struct {
	IntervalSeconds int
	GraceSeconds    int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	retryFactor, err := strconv.ParseFloat(getEnv("STORAGE_RETRY_FACTOR", "2"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_RETRY_FACTOR: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-lifecycle"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Storage: StorageConfig{
			Backend:                 strings.ToLower(getEnv("STORAGE_BACKEND", BackendSQLite)),
			MaxConcurrent:           getEnvAsInt("STORAGE_MAX_CONCURRENT", 10),
			MaxQueue:                getEnvAsInt("STORAGE_MAX_QUEUE", 100),
			RetryAttempts:           getEnvAsInt("STORAGE_RETRY_ATTEMPTS", 3),
			RetryBaseMS:             getEnvAsInt("STORAGE_RETRY_BASE_MS", 100),
			RetryFactor:             retryFactor,
			RetryMaxMS:              getEnvAsInt("STORAGE_RETRY_MAX_MS", 2000),
			OperationTimeoutSeconds: getEnvAsInt("STORAGE_OPERATION_TIMEOUT_SECONDS", 10),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		SQLite: SQLiteConfig{
			Path:          getEnv("SQLITE_PATH", "data/tickets.db"),
			BusyTimeoutMS: getEnvAsInt("SQLITE_BUSY_TIMEOUT_MS", 5000),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tickets:"),
			PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes:  getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60*24*30),
			ConfirmationTTLSeconds: getEnvAsInt("AUTH_CONFIRMATION_TTL_SECONDS", 300),
		},
		Discord: DiscordConfig{
			Token: os.Getenv("DISCORD_TOKEN"),
		},
		Transcript: TranscriptConfig{
			Dir:          getEnv("TRANSCRIPT_DIR", "data/transcripts"),
			MessageLimit: getEnvAsInt("TRANSCRIPT_MESSAGE_LIMIT", 1000),
		},
		Sweep: SweepConfig{
			IntervalSeconds: getEnvAsInt("SWEEP_INTERVAL_SECONDS", 300),
			GraceSeconds:    getEnvAsInt("SWEEP_GRACE_SECONDS", 600),
		},
		GuildConfigPath: getEnv("GUILD_CONFIG_PATH", "guilds.yaml"),
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and non-positive limits.
func (s StorageConfig) Validate() error {
	switch s.Backend {
	case BackendPostgres, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (supported: postgres, sqlite, redis)", s.Backend)
	}
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("STORAGE_MAX_CONCURRENT must be positive")
	}
	if s.MaxQueue < 0 {
		return fmt.Errorf("STORAGE_MAX_QUEUE must not be negative")
	}
	if s.RetryAttempts <= 0 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// OperationTimeout bounds a single facade call, zero means caller deadline only.
func (s StorageConfig) OperationTimeout() time.Duration {
	if s.OperationTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.OperationTimeoutSeconds) * time.Second
}

// Interval returns the sweep period.
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Grace returns how long a closed ticket may lack a transcript before the sweep retries.
func (s SweepConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
