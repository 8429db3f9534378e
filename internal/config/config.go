package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	Logger LoggerConfig

	// Backend selects the authoritative store for this deployment:
	// "local" (embedded, offline-first, writes queued for sync) or
	// "remote" (cloud document store is the source of truth).
	Backend string

	LocalDialect  string
	LocalPath     string
	LocalHost     string
	LocalPort     string
	LocalName     string
	LocalUser     string
	LocalPassword string
	LocalSSLMode  string

	RemoteAddr     string
	RemotePassword string
	RemoteDB       int
	RemotePrefix   string

	SyncInterval    time.Duration
	SyncBatchSize   int
	SyncMaxAttempts int
	SyncBaseBackoff time.Duration
	SyncMaxBackoff  time.Duration
	SyncLockTTL     time.Duration

	MetricsEnabled bool
}

type LoggerConfig struct {
	Level string
}

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tillside"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		Logger: LoggerConfig{Level: getenv("LOG_LEVEL", "info")},

		Backend: normalizeBackend(getenv("STORE_BACKEND", BackendLocal)),

		LocalDialect:  getenv("LOCAL_DIALECT", "sqlite"),
		LocalPath:     getenv("LOCAL_PATH", "tillside.db"),
		LocalHost:     getenv("LOCAL_HOST", "localhost"),
		LocalPort:     getenv("LOCAL_PORT", "5432"),
		LocalName:     getenv("LOCAL_NAME", "tillside"),
		LocalUser:     getenv("LOCAL_USER", "tillside"),
		LocalPassword: getenv("LOCAL_PASSWORD", ""),
		LocalSSLMode:  getenv("LOCAL_SSLMODE", "disable"),

		RemoteAddr:     getenv("REMOTE_ADDR", "localhost:6379"),
		RemotePassword: getenv("REMOTE_PASSWORD", ""),
		RemoteDB:       int(getenvInt64("REMOTE_DB", 0)),
		RemotePrefix:   getenv("REMOTE_PREFIX", "tillside"),

		SyncInterval:    getenvDuration("SYNC_INTERVAL", 30*time.Second),
		SyncBatchSize:   int(getenvInt64("SYNC_BATCH_SIZE", 50)),
		SyncMaxAttempts: int(getenvInt64("SYNC_MAX_ATTEMPTS", 10)),
		SyncBaseBackoff: getenvDuration("SYNC_BASE_BACKOFF", 5*time.Second),
		SyncMaxBackoff:  getenvDuration("SYNC_MAX_BACKOFF", 10*time.Minute),
		SyncLockTTL:     getenvDuration("SYNC_LOCK_TTL", 30*time.Second),

		MetricsEnabled: getenvBool("METRICS_ENABLED", true),
	}
}

func (c Config) IsRemote() bool {
	return c.Backend == BackendRemote
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackendRemote:
		return BackendRemote
	default:
		return BackendLocal
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPOSConfigHolder),
)
