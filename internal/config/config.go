// Package config provides configuration for the KRDS artifact cache service.
// Values are loaded from environment variables with sensible defaults and
// validated before the cache manager is constructed, so an invalid setup
// fails fast instead of degrading at runtime.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: HTTP server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Cache Routing:
//   - CACHE_BACKEND_PRIORITY: Comma-separated lookup order (default: memory,redis,file)
//   - CACHE_STRATEGY: Strategy name - korean-optimized, lru or adaptive (default: korean-optimized)
//   - CACHE_OP_TIMEOUT: Per-backend operation timeout (default: 2s)
//   - CACHE_RETRY_ATTEMPTS: Bounded retries per backend call (default: 2)
//
// Memory Backend:
//   - MEMORY_MAX_ENTRIES: Entry-count bound before LRU eviction (default: 1000)
//   - MEMORY_MAX_BYTES: Aggregate byte bound (default: 52428800, 50MB)
//   - MEMORY_SWEEP_INTERVAL: Expired-entry sweep interval (default: 1m)
//
// Redis Backend:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Connection pool size (default: 1)
//   - REDIS_KEY_PREFIX: Key namespace prefix (default: krds:)
//   - REDIS_COMPRESS_THRESHOLD: Gzip payloads above this many bytes (default: 10240)
//
// File Backend:
//   - FILE_CACHE_DIR: Managed cache directory (default: ./cache)
//   - FILE_MAX_BYTES: Aggregate size bound for cleanup (default: 524288000, 500MB)
//   - FILE_COMPRESS_THRESHOLD: Gzip payloads above this many bytes (default: 10240)
//   - FILE_CLEANUP_SCHEDULE: Cron spec for the cleanup pass (default: @every 10m)
//
// TTL Tiers:
//   - TTL_DEFAULT: Base TTL (default: 30m)
//   - TTL_LARGE: TTL for oversized payloads (default: 10m)
//   - TTL_FREQUENT: TTL for frequently accessed keys (default: 2h)
//   - KOREAN_BOOST_FACTOR: TTL multiplier for Korean content (default: 1.3)
//
// Monitoring:
//   - METRICS_INTERVAL: Window rollup interval (default: 1m)
//   - ALERT_HIT_RATE_MIN: Minimum acceptable hit rate 0-1 (default: 0.5)
//   - ALERT_LATENCY_MAX: Maximum acceptable average latency (default: 500ms)
//   - ALERT_ERROR_RATE_MAX: Maximum acceptable error rate 0-1 (default: 0.1)
//   - ALERT_MEMORY_UTIL_MAX: Maximum memory utilization 0-1 (default: 0.9)
//   - ALERT_AVAILABILITY_MIN: Minimum per-backend availability 0-1 (default: 0.8)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"krds-cache/internal/cacheerrors"
)

// Config holds all configuration for the cache service.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Cache routing
	BackendPriority []string
	StrategyName    string
	OpTimeout       time.Duration
	RetryAttempts   int

	// Memory backend
	MemoryMaxEntries    int
	MemoryMaxBytes      int64
	MemorySweepInterval time.Duration

	// Redis backend
	RedisAddress           string
	RedisPassword          string
	RedisDB                int
	RedisPoolSize          int
	RedisKeyPrefix         string
	RedisCompressThreshold int64

	// File backend
	FileCacheDir          string
	FileMaxBytes          int64
	FileCompressThreshold int64
	FileCleanupSchedule   string

	// TTL tiers
	TTLDefault        time.Duration
	TTLLarge          time.Duration
	TTLFrequent       time.Duration
	KoreanBoostFactor float64

	// Monitoring thresholds
	MetricsInterval time.Duration
	HitRateMin      float64
	LatencyMax      time.Duration
	ErrorRateMax    float64
	MemoryUtilMax   float64
	AvailabilityMin float64
}

// Load creates a Config with values from environment variables. Call
// Validate before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BackendPriority: splitList(getEnv("CACHE_BACKEND_PRIORITY", "memory,redis,file")),
		StrategyName:    getEnv("CACHE_STRATEGY", "korean-optimized"),
		OpTimeout:       getDurationEnv("CACHE_OP_TIMEOUT", 2*time.Second),
		RetryAttempts:   getIntEnv("CACHE_RETRY_ATTEMPTS", 2),

		MemoryMaxEntries:    getIntEnv("MEMORY_MAX_ENTRIES", 1000),
		MemoryMaxBytes:      getInt64Env("MEMORY_MAX_BYTES", 50*1024*1024),
		MemorySweepInterval: getDurationEnv("MEMORY_SWEEP_INTERVAL", time.Minute),

		RedisAddress:           getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getIntEnv("REDIS_DB", 0),
		RedisPoolSize:          getIntEnv("REDIS_POOL_SIZE", 1),
		RedisKeyPrefix:         getEnv("REDIS_KEY_PREFIX", "krds:"),
		RedisCompressThreshold: getInt64Env("REDIS_COMPRESS_THRESHOLD", 10*1024),

		FileCacheDir:          getEnv("FILE_CACHE_DIR", "./cache"),
		FileMaxBytes:          getInt64Env("FILE_MAX_BYTES", 500*1024*1024),
		FileCompressThreshold: getInt64Env("FILE_COMPRESS_THRESHOLD", 10*1024),
		FileCleanupSchedule:   getEnv("FILE_CLEANUP_SCHEDULE", "@every 10m"),

		TTLDefault:        getDurationEnv("TTL_DEFAULT", 30*time.Minute),
		TTLLarge:          getDurationEnv("TTL_LARGE", 10*time.Minute),
		TTLFrequent:       getDurationEnv("TTL_FREQUENT", 2*time.Hour),
		KoreanBoostFactor: getFloatEnv("KOREAN_BOOST_FACTOR", 1.3),

		MetricsInterval: getDurationEnv("METRICS_INTERVAL", time.Minute),
		HitRateMin:      getFloatEnv("ALERT_HIT_RATE_MIN", 0.5),
		LatencyMax:      getDurationEnv("ALERT_LATENCY_MAX", 500*time.Millisecond),
		ErrorRateMax:    getFloatEnv("ALERT_ERROR_RATE_MAX", 0.1),
		MemoryUtilMax:   getFloatEnv("ALERT_MEMORY_UTIL_MAX", 0.9),
		AvailabilityMin: getFloatEnv("ALERT_AVAILABILITY_MIN", 0.8),
	}
}

// Validate checks required fields, value ranges and cross-field consistency.
// A non-nil return is a config-kind CacheError and the service must not start.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return cacheerrors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}

	if len(c.BackendPriority) == 0 {
		return cacheerrors.ConfigError("CACHE_BACKEND_PRIORITY must name at least one backend")
	}
	seen := make(map[string]bool, len(c.BackendPriority))
	for _, name := range c.BackendPriority {
		switch name {
		case "memory", "redis", "file":
		default:
			return cacheerrors.ConfigError(fmt.Sprintf("unknown backend %q in CACHE_BACKEND_PRIORITY", name))
		}
		if seen[name] {
			return cacheerrors.ConfigError(fmt.Sprintf("backend %q listed twice in CACHE_BACKEND_PRIORITY", name))
		}
		seen[name] = true
	}

	switch c.StrategyName {
	case "korean-optimized", "lru", "adaptive":
	default:
		return cacheerrors.ConfigError(fmt.Sprintf("unknown CACHE_STRATEGY %q", c.StrategyName))
	}

	if c.OpTimeout <= 0 {
		return cacheerrors.ConfigError("CACHE_OP_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 1 {
		return cacheerrors.ConfigError("CACHE_RETRY_ATTEMPTS must be at least 1")
	}

	if c.MemoryMaxEntries < 1 {
		return cacheerrors.ConfigError("MEMORY_MAX_ENTRIES must be positive")
	}
	if c.MemoryMaxBytes < 1 {
		return cacheerrors.ConfigError("MEMORY_MAX_BYTES must be positive")
	}
	if c.MemorySweepInterval <= 0 {
		return cacheerrors.ConfigError("MEMORY_SWEEP_INTERVAL must be positive")
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return cacheerrors.ConfigError("REDIS_DB must be between 0 and 15")
	}
	if c.RedisPoolSize < 1 {
		return cacheerrors.ConfigError("REDIS_POOL_SIZE must be positive")
	}

	if c.FileCacheDir == "" {
		return cacheerrors.ConfigError("FILE_CACHE_DIR is required")
	}
	if c.FileMaxBytes < 1 {
		return cacheerrors.ConfigError("FILE_MAX_BYTES must be positive")
	}

	if c.TTLDefault <= 0 || c.TTLLarge <= 0 || c.TTLFrequent <= 0 {
		return cacheerrors.ConfigError("TTL tiers must all be positive durations")
	}
	if c.KoreanBoostFactor < 1.0 {
		return cacheerrors.ConfigError("KOREAN_BOOST_FACTOR must be >= 1.0")
	}

	if c.MetricsInterval <= 0 {
		return cacheerrors.ConfigError("METRICS_INTERVAL must be positive")
	}
	for name, v := range map[string]float64{
		"ALERT_HIT_RATE_MIN":     c.HitRateMin,
		"ALERT_ERROR_RATE_MAX":   c.ErrorRateMax,
		"ALERT_MEMORY_UTIL_MAX":  c.MemoryUtilMax,
		"ALERT_AVAILABILITY_MIN": c.AvailabilityMin,
	} {
		if v < 0 || v > 1 {
			return cacheerrors.ConfigError(name + " must be between 0 and 1")
		}
	}
	if c.LatencyMax <= 0 {
		return cacheerrors.ConfigError("ALERT_LATENCY_MAX must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
