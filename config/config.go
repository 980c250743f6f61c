// Package config loads the appview core's configuration from environment
// variables (and, for the CLI entry point, an optional config file via
// viper) into a single validated Config struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads environment variables with an optional common prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration reader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// GetString retrieves a string value from the environment with a default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value or panics.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from the environment with a default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetFloat retrieves a floating-point value from the environment with a default.
func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from the environment with a default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from the environment with a default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from the environment.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(ec.buildKey(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// FirehoseConfig controls the relay connection and backfill window.
type FirehoseConfig struct {
	RelayURL     string
	Enabled      bool
	BackfillDays int // 0 disabled, -1 total, >0 cutoff in days
}

// QueueConfig controls the durable work queue (component B).
type QueueConfig struct {
	RedisAddr          string
	RedisDB            int
	StreamName         string
	ConsumerGroup      string
	MaxDeliveries      int
	DeadLetterMaxLen   int64
	ClaimIdleThreshold time.Duration
	BatchSize          int
}

// PendingBufferConfig controls the out-of-order op buffer (component F).
type PendingBufferConfig struct {
	GlobalCap    int
	PerParentCap int
	TTL          time.Duration
	SweepPeriod  time.Duration
}

// ProcessorConfig controls the commit processor (component E).
type ProcessorConfig struct {
	MaxConcurrentOps  int
	ParallelPipelines int
	RetryPeriod       time.Duration
	// PendingHighWater and ThrottleRate configure the batch-consume
	// backpressure throttle described in §5: once the pending-op buffer
	// (component F) holds at least PendingHighWater operations, consume
	// loops are rate-limited to ThrottleRate batches/second instead of
	// polling the queue continuously.
	PendingHighWater int
	ThrottleRate     float64
}

// PostgresConfig controls the index store and cursor store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// CacheConfig controls the Redis-backed named TTL caches (component H).
type CacheConfig struct {
	RedisAddr         string
	RedisDB           int
	PostAggregateTTL  time.Duration
	ViewerStateTTL    time.Duration
	ThreadContextTTL  time.Duration
	LabelTTL          time.Duration
	ListMuteBlockTTL  time.Duration
}

// BackfillConfig controls remote repository fetch for historical data.
type BackfillConfig struct {
	S3Bucket  string
	S3Region  string
	S3Enabled bool
}

// HTTPConfig controls the internal health/metrics surface (component J).
type HTTPConfig struct {
	Addr string
}

// ServiceConfig carries process identity and logging configuration.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// Config is the fully assembled configuration for the appview core process.
type Config struct {
	Service   ServiceConfig
	Firehose  FirehoseConfig
	Queue     QueueConfig
	Pending   PendingBufferConfig
	Processor ProcessorConfig
	Postgres  PostgresConfig
	Cache     CacheConfig
	Backfill  BackfillConfig
	HTTP      HTTPConfig
}

// Load reads the full Config from the environment, applying defaults for
// every field spec.md §6 lists as optional. It never itself reads a config
// file — that's cli.RootCmd's job via viper, which calls os.Setenv on
// flag/file-sourced values before Load runs.
func Load() *Config {
	env := NewEnvConfig("")
	return &Config{
		Service: ServiceConfig{
			Name:      env.GetString("SERVICE_NAME", "atview-core"),
			LogLevel:  env.GetString("LOG_LEVEL", "info"),
			LogFormat: env.GetString("LOG_FORMAT", "text"),
		},
		Firehose: FirehoseConfig{
			RelayURL:     env.GetString("RELAY_URL", "wss://bsky.network"),
			Enabled:      env.GetBool("FIREHOSE_ENABLED", true),
			BackfillDays: env.GetInt("BACKFILL_DAYS", 0),
		},
		Queue: QueueConfig{
			RedisAddr:          env.GetString("QUEUE_REDIS_ADDR", "localhost:6379"),
			RedisDB:            env.GetInt("QUEUE_REDIS_DB", 0),
			StreamName:         env.GetString("QUEUE_STREAM_NAME", "atview:commits"),
			ConsumerGroup:      env.GetString("QUEUE_CONSUMER_GROUP", "atview-processors"),
			MaxDeliveries:      env.GetInt("REDIS_MAX_DELIVERIES", 10),
			DeadLetterMaxLen:   int64(env.GetInt("REDIS_DEAD_LETTER_MAXLEN", 10000)),
			ClaimIdleThreshold: env.GetDuration("QUEUE_CLAIM_IDLE", 30*time.Second),
			BatchSize:          env.GetInt("QUEUE_BATCH_SIZE", 300),
		},
		Pending: PendingBufferConfig{
			GlobalCap:    env.GetInt("PENDING_GLOBAL_CAP", 10000),
			PerParentCap: env.GetInt("PENDING_PER_PARENT_CAP", 100),
			TTL:          env.GetDuration("PENDING_TTL", 10*time.Minute),
			SweepPeriod:  env.GetDuration("PENDING_SWEEP_PERIOD", 60*time.Second),
		},
		Processor: ProcessorConfig{
			MaxConcurrentOps:  env.GetInt("MAX_CONCURRENT_OPS", 64),
			ParallelPipelines: env.GetInt("PARALLEL_PIPELINES", 4),
			RetryPeriod:       env.GetDuration("PENDING_RETRY_PERIOD", 30*time.Second),
			PendingHighWater:  env.GetInt("PENDING_HIGH_WATER", 8000),
			ThrottleRate:      env.GetFloat("PROCESSOR_THROTTLE_RATE", 5),
		},
		Postgres: PostgresConfig{
			DSN:             env.GetString("POSTGRES_DSN", "postgres://localhost:5432/atview?sslmode=disable"),
			MaxConnections:  env.GetInt("POSTGRES_MAX_CONNECTIONS", 20),
			ConnMaxLifetime: env.GetDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		},
		Cache: CacheConfig{
			RedisAddr:        env.GetString("CACHE_REDIS_ADDR", "localhost:6379"),
			RedisDB:          env.GetInt("CACHE_REDIS_DB", 1),
			PostAggregateTTL: env.GetDuration("CACHE_POST_AGGREGATE_TTL", 5*time.Minute),
			ViewerStateTTL:   env.GetDuration("CACHE_VIEWER_STATE_TTL", 10*time.Minute),
			ThreadContextTTL: env.GetDuration("CACHE_THREAD_CONTEXT_TTL", 30*time.Minute),
			LabelTTL:         env.GetDuration("CACHE_LABEL_TTL", time.Hour),
			ListMuteBlockTTL: env.GetDuration("CACHE_LIST_MUTE_BLOCK_TTL", 30*time.Minute),
		},
		Backfill: BackfillConfig{
			S3Bucket:  env.GetString("BACKFILL_S3_BUCKET", ""),
			S3Region:  env.GetString("BACKFILL_S3_REGION", "us-east-1"),
			S3Enabled: env.GetBool("BACKFILL_S3_ENABLED", false),
		},
		HTTP: HTTPConfig{
			Addr: env.GetString("HTTP_ADDR", ":8080"),
		},
	}
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

func (v *Validator) Errors() []string {
	return v.errors
}

func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}

// Validate checks the invariants spec.md §6 requires of the loaded config
// (a relay URL, positive pipeline/cap counts, known log level and format).
func (c *Config) Validate() error {
	v := NewValidator()
	v.RequireString("Firehose.RelayURL", c.Firehose.RelayURL)
	v.RequirePositiveInt("Processor.ParallelPipelines", c.Processor.ParallelPipelines)
	v.RequirePositiveInt("Processor.MaxConcurrentOps", c.Processor.MaxConcurrentOps)
	v.RequirePositiveInt("Pending.GlobalCap", c.Pending.GlobalCap)
	v.RequirePositiveInt("Pending.PerParentCap", c.Pending.PerParentCap)
	v.RequireOneOf("Service.LogLevel", c.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	v.RequireOneOf("Service.LogFormat", c.Service.LogFormat, []string{"text", "json"})
	return v.Validate()
}
