package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/refliv-monitor/internal/retry"
)

// Store drivers
const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Lease backends
const (
	LeaseStore = "store"
	LeaseRedis = "redis"
)

type Config struct {
	LogLevel string
	LogFile  string

	StoreDriver string // bolt or postgres
	BoltPath    string
	DatabaseURL string

	LeaseBackend  string // store or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FoldersFile string // YAML seed of folder policies, optional

	BufferTargetBytes int
	BatchSize         int
	IdleInterval      time.Duration
	ErrorBackoff      time.Duration
	StopTimeout       time.Duration
	LeaseStaleness    time.Duration
	Autostart         bool

	ClickHouseEnabled bool
	ClickHouseHost    string
	ClickHousePort    int
	ClickHouseDB      string

	KafkaBrokers []string
	KafkaTopic   string

	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreBolt)),
		BoltPath:    getEnv("BOLT_PATH", "data/refliv.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LeaseBackend:  strings.ToLower(getEnv("LEASE_BACKEND", LeaseStore)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		FoldersFile: getEnv("FOLDERS_FILE", ""),

		BufferTargetBytes: getEnvInt("BUFFER_TARGET_BYTES", 256*1024),
		BatchSize:         getEnvInt("BATCH_SIZE", 100),
		IdleInterval:      getEnvDuration("IDLE_INTERVAL", 10*time.Second),
		ErrorBackoff:      getEnvDuration("ERROR_BACKOFF", 10*time.Second),
		StopTimeout:       getEnvDuration("STOP_TIMEOUT", 10*time.Second),
		LeaseStaleness:    getEnvDuration("LEASE_STALENESS", 60*time.Second),
		Autostart:         getEnvBool("AUTOSTART", true),

		ClickHouseEnabled: getEnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseHost:    getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort:    getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:      getEnv("CLICKHOUSE_DB", "logs"),

		KafkaBrokers: parseList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "refliv.tracking"),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:   strings.ToLower(getEnv("OTLP_PROTOCOL", "grpc")),

		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: time.Duration(getEnvInt("RETRY_INITIAL_DELAY_MS", 100)) * time.Millisecond,
		RetryMaxDelay:     time.Duration(getEnvInt("RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreBolt, StorePostgres, c.StoreDriver)
	}

	switch c.LeaseBackend {
	case LeaseStore:
	case LeaseRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis lease backend")
		}
	default:
		return fmt.Errorf("LEASE_BACKEND must be %q or %q, got %q", LeaseStore, LeaseRedis, c.LeaseBackend)
	}

	if c.BufferTargetBytes < 1024 {
		return fmt.Errorf("BUFFER_TARGET_BYTES must be at least 1024")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.IdleInterval <= 0 || c.ErrorBackoff <= 0 || c.StopTimeout <= 0 {
		return fmt.Errorf("IDLE_INTERVAL, ERROR_BACKOFF and STOP_TIMEOUT must be positive")
	}
	if c.LeaseStaleness < time.Second {
		return fmt.Errorf("LEASE_STALENESS must be at least 1s")
	}

	if c.ClickHouseEnabled {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required")
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.TracingEnabled && c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http" {
		return fmt.Errorf("OTLP_PROTOCOL must be grpc or http, got %q", c.OTLPProtocol)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// RetryConfig builds the retry policy used for connecting to backends
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.RetryMaxAttempts
	if c.RetryInitialDelay > 0 {
		cfg.InitialDelay = c.RetryInitialDelay
	}
	if c.RetryMaxDelay > 0 {
		cfg.MaxDelay = c.RetryMaxDelay
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("10s") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ";")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
