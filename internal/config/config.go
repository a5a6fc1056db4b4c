// Package config loads onyx-background's process configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onyx-run/onyx-background/internal/logger"
)

// Config holds the settings shared by every onyx-background process: the
// Manager, the Worker, the Watcher, and the status CLI.
type Config struct {
	// RedisURL is the connection URL for the datastore.
	RedisURL string
	// Namespace prefixes every key this system writes.
	Namespace string
	// Queues is the set of queue names a Worker or Watcher process watches.
	Queues []string
	// Fibers bounds how many attempts a single Worker runs concurrently.
	Fibers int
	// RedisPoolWait is how long the connection pool sleeps between
	// acquisition retries when it is at capacity.
	RedisPoolWait time.Duration
	// RedisPoolTTL is how long an idle pooled connection survives before the
	// reap loop closes it.
	RedisPoolTTL time.Duration
	// WatcherInterval is the tick period between Watcher passes.
	WatcherInterval time.Duration
	// ScheduleEnabled gates whether cmd/scheduler runs its cron Runner.
	ScheduleEnabled bool
	// ScheduleInterval is the tick period between schedule.Runner passes.
	ScheduleInterval time.Duration
	// ScheduleLockTTL bounds how long a schedule.Runner holds its
	// distributed lock while executing one due schedule.
	ScheduleLockTTL time.Duration
	// Logging configuration, shared verbatim with the teacher's multi-tier logger.
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		Namespace:       getEnv("ONYX_NAMESPACE", "onyx-background"),
		Queues:          getEnvAsStringSlice("ONYX_QUEUES", []string{"default"}),
		Fibers:          getEnvAsInt("ONYX_FIBERS", 100),
		RedisPoolWait:   getEnvAsDuration("ONYX_REDIS_POOL_WAIT", 10*time.Microsecond),
		RedisPoolTTL:    getEnvAsDuration("ONYX_REDIS_POOL_TTL", 30*time.Second),
		WatcherInterval: getEnvAsDuration("ONYX_WATCHER_INTERVAL", 1*time.Second),
		ScheduleEnabled: getEnvAsBool("ONYX_SCHEDULE_ENABLED", false),
		ScheduleInterval: getEnvAsDuration("ONYX_SCHEDULE_INTERVAL", 1*time.Second),
		ScheduleLockTTL:  getEnvAsDuration("ONYX_SCHEDULE_LOCK_TTL", 60*time.Second),
		Logging:          loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("ONYX_NAMESPACE cannot be empty")
	}
	if cfg.Fibers < 1 {
		return nil, fmt.Errorf("ONYX_FIBERS must be at least 1")
	}
	if cfg.RedisPoolWait <= 0 {
		return nil, fmt.Errorf("ONYX_REDIS_POOL_WAIT must be positive")
	}
	if cfg.RedisPoolTTL <= 0 {
		return nil, fmt.Errorf("ONYX_REDIS_POOL_TTL must be positive")
	}
	if cfg.WatcherInterval <= 0 {
		return nil, fmt.Errorf("ONYX_WATCHER_INTERVAL must be positive")
	}
	if cfg.ScheduleInterval <= 0 {
		return nil, fmt.Errorf("ONYX_SCHEDULE_INTERVAL must be positive")
	}
	if cfg.ScheduleLockTTL <= 0 {
		return nil, fmt.Errorf("ONYX_SCHEDULE_LOCK_TTL must be positive")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("ONYX_QUEUES must contain at least one queue")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/onyx-background/onyx-background.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	cfg.Elasticsearch.Enabled = getEnvAsBool("LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("LOG_ES_MODE", "self-managed")

	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("LOG_ES_ADDRESSES", []string{"http://localhost:9200"})
	cfg.Elasticsearch.Username = getEnv("LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("LOG_ES_PASSWORD", "")

	cfg.Elasticsearch.CloudID = getEnv("LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("LOG_ES_API_KEY", "")

	cfg.Elasticsearch.IndexPrefix = getEnv("LOG_ES_INDEX_PREFIX", "onyx-background-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("LOG_ES_BULK_SIZE", 100)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("LOG_ES_FLUSH_INTERVAL", 5*time.Second)
	cfg.Elasticsearch.Workers = getEnvAsInt("LOG_ES_WORKERS", 2)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("LOG_ES_MAX_RETRIES", 3)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("LOG_ES_RETRY_BACKOFF", 1*time.Second)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("LOG_ES_CIRCUIT_BREAKER", true)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("LOG_ES_FAILURE_THRESHOLD", 5)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("LOG_ES_RESET_TIMEOUT", 30*time.Second)

	return cfg
}
