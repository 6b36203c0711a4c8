// Package config loads emberq's runtime configuration from environment
// variables, with defaults matching spec §6 and §9.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/emberq/emberq/internal/logger"
)

// BalanceStrategy selects how the fetcher orders queues on each blocking
// pop (spec §4.C).
type BalanceStrategy string

const (
	// BalanceRoundRobin rotates the queue order by one on every fetch.
	BalanceRoundRobin BalanceStrategy = "round_robin"
	// BalanceStrict always presents queues in declared order.
	BalanceStrict BalanceStrategy = "strict"
)

// QueueConfig holds a per-queue override of the global worker count.
type QueueConfig struct {
	// NumWorkers caps concurrent fetchers pinned to this queue. Zero
	// means "no additional cap beyond the global ceiling".
	NumWorkers int
}

// Config holds all configuration for an emberq processor.
type Config struct {
	// BrokerURL is the connection URL for the broker (redis://...).
	BrokerURL string
	// Namespace is an optional key prefix applied to every broker key.
	Namespace string

	// Queues is the declared, ordered list of queue names the fetcher
	// pulls from. Required, non-empty.
	Queues []string
	// NumWorkers is the global parallelism cap (hard ceiling).
	NumWorkers int
	// BalanceStrategy selects RoundRobin or Strict fetch ordering.
	BalanceStrategy BalanceStrategy
	// QueueConfigs holds per-queue NumWorkers overrides.
	QueueConfigs map[string]QueueConfig

	// FetchTimeout bounds each blocking multi-queue pop.
	FetchTimeout time.Duration
	// SweeperInterval is the base interval between sweeper ticks,
	// jittered +/-50% at runtime.
	SweeperInterval time.Duration
	// SweeperBatchSize caps how many due entries are promoted per sweep.
	SweeperBatchSize int

	// DefaultRetryCap is loaded and validated only; the retry engine
	// uses job.DefaultRetryCap (25) for jobs with retry=true and no
	// explicit integer cap, and does not read this value.
	DefaultRetryCap int
	// DeadSetSizeCap is the maximum number of entries retained in the
	// dead set.
	DeadSetSizeCap int
	// DeadSetRetention is the maximum age of a dead-set entry.
	DeadSetRetention time.Duration

	// PeriodicEnabled turns on the cron-based periodic enqueue loop.
	PeriodicEnabled bool
	// PeriodicLockTTL bounds how long a periodic schedule's distributed
	// lock is held before it is considered abandoned.
	PeriodicLockTTL time.Duration

	// ResultBackendEnabled, ResultTTLSuccess and ResultTTLFailure are
	// loaded from the environment only: no component reads them, the
	// processor does not store job outcomes, and pkg/client uses its
	// own fixed result TTLs.
	ResultBackendEnabled bool
	// ResultTTLSuccess is the configured TTL for a successful job's result.
	ResultTTLSuccess time.Duration
	// ResultTTLFailure is the configured TTL for a failed job's result.
	ResultTTLFailure time.Duration

	// Logging configuration (3-tier facade).
	Logging *logger.Config
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		BrokerURL:            getEnv("EMBERQ_BROKER_URL", "redis://localhost:6379"),
		Namespace:            getEnv("EMBERQ_NAMESPACE", ""),
		Queues:               getEnvAsStringSlice("EMBERQ_QUEUES", []string{"default"}),
		NumWorkers:           getEnvAsInt("EMBERQ_NUM_WORKERS", defaultNumWorkers()),
		BalanceStrategy:      BalanceStrategy(getEnv("EMBERQ_BALANCE_STRATEGY", string(BalanceRoundRobin))),
		QueueConfigs:         parseQueueConfigs(getEnv("EMBERQ_QUEUE_CONFIGS", "")),
		FetchTimeout:         getEnvAsDuration("EMBERQ_FETCH_TIMEOUT", 2*time.Second),
		SweeperInterval:      getEnvAsDuration("EMBERQ_SWEEPER_INTERVAL", 5*time.Second),
		SweeperBatchSize:     getEnvAsInt("EMBERQ_SWEEPER_BATCH_SIZE", 100),
		DefaultRetryCap:      getEnvAsInt("EMBERQ_DEFAULT_RETRY_CAP", 25),
		DeadSetSizeCap:       getEnvAsInt("EMBERQ_DEAD_SET_SIZE_CAP", 10000),
		DeadSetRetention:     getEnvAsDuration("EMBERQ_DEAD_SET_RETENTION", 6*30*24*time.Hour),
		PeriodicEnabled:      getEnvAsBool("EMBERQ_PERIODIC_ENABLED", true),
		PeriodicLockTTL:      getEnvAsDuration("EMBERQ_PERIODIC_LOCK_TTL", 30*time.Second),
		ResultBackendEnabled: getEnvAsBool("EMBERQ_RESULT_BACKEND_ENABLED", false),
		ResultTTLSuccess:     getEnvAsDuration("EMBERQ_RESULT_TTL_SUCCESS", 1*time.Hour),
		ResultTTLFailure:     getEnvAsDuration("EMBERQ_RESULT_TTL_FAILURE", 24*time.Hour),
		Logging:              loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("EMBERQ_BROKER_URL cannot be empty")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("EMBERQ_QUEUES must contain at least one queue name")
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("EMBERQ_NUM_WORKERS must be at least 1")
	}
	switch c.BalanceStrategy {
	case BalanceRoundRobin, BalanceStrict:
	default:
		return fmt.Errorf("invalid balance strategy: %s (must be round_robin or strict)", c.BalanceStrategy)
	}
	for name, qc := range c.QueueConfigs {
		if qc.NumWorkers < 0 {
			return fmt.Errorf("queue_config[%s].num_workers cannot be negative", name)
		}
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("EMBERQ_FETCH_TIMEOUT must be positive")
	}
	if c.SweeperInterval <= 0 {
		return fmt.Errorf("EMBERQ_SWEEPER_INTERVAL must be positive")
	}
	if c.SweeperBatchSize < 1 {
		return fmt.Errorf("EMBERQ_SWEEPER_BATCH_SIZE must be at least 1")
	}
	if c.DefaultRetryCap < 0 {
		return fmt.Errorf("EMBERQ_DEFAULT_RETRY_CAP cannot be negative")
	}
	if c.DeadSetSizeCap < 0 {
		return fmt.Errorf("EMBERQ_DEAD_SET_SIZE_CAP cannot be negative")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

func defaultNumWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
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

// parseQueueConfigs parses "name:workers,name2:workers2" into per-queue
// overrides.
func parseQueueConfigs(s string) map[string]QueueConfig {
	result := make(map[string]QueueConfig)
	if s == "" {
		return result
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if name == "" || err != nil {
			continue
		}
		result[name] = QueueConfig{NumWorkers: n}
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
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/emberq/emberq.log")
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
	cfg.Elasticsearch.IndexPrefix = getEnv("LOG_ES_INDEX_PREFIX", "emberq-logs")
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
