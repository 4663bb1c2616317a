// Package config provides configuration management for the outbound gateway.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the gateway starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - LOG_LEVEL: Logging level (default: info)
//
// Lookup Engine:
//   - OUTBOUND_BATCH_SIZE: Default records processed concurrently per batch chunk (default: 10)
//   - OUTBOUND_LOOKUP_TIMEOUT: Default per-request timeout (default: 30s)
//   - OUTBOUND_RATE_LIMIT_DEFAULT: Default requests per second per domain (default: 100)
//   - OUTBOUND_MAX_DOMAINS: Maximum tracked rate-limited domains (default: 1024)
//
// Circuit Breaker:
//   - OUTBOUND_BREAKER_THRESHOLD: Consecutive failures before an endpoint opens (default: 5)
//   - OUTBOUND_BREAKER_RESET_TIMEOUT: Open period before a half-open trial (default: 30s)
//   - OUTBOUND_MAX_ENDPOINTS: Maximum tracked breaker endpoints (default: 1024)
//
// Response Cache:
//   - OUTBOUND_CACHE_BACKEND: Cache backend, "memory" or "redis" (default: memory)
//   - OUTBOUND_CACHE_MAX_ENTRIES: In-process cache bound (default: 1000)
//   - OUTBOUND_CACHE_SWEEP_INTERVAL: Expired-entry sweep period (default: 1m)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis authentication password
//   - REDIS_DB: Redis database number (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Webhook Delivery:
//   - OUTBOUND_WEBHOOK_MAX_CONFIGS: Maximum registered webhook configurations (default: 1000)
//   - OUTBOUND_WEBHOOK_MAX_DELIVERIES: Maximum retained delivery records (default: 10000)
//   - OUTBOUND_WEBHOOK_TIMEOUT: Per-attempt delivery timeout (default: 30s)
//   - OUTBOUND_WEBHOOK_SWEEP_INTERVAL: Retry/retention sweep period (default: 1m)
//   - OUTBOUND_WEBHOOK_DEAD_RETENTION: Dead-letter retention window (default: 168h)
//   - OUTBOUND_WEBHOOK_DELIVERED_RETENTION: Delivered-record retention window (default: 24h)
//
// A .env file in the working directory is loaded first when present;
// real environment variables take precedence over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the outbound gateway.
// Load it with Load() and check it with Validate() before use.
type Config struct {
	// Application settings
	LogLevel string // Logging level (debug, info, warn, error)

	// Lookup engine
	BatchSize        int           // Records processed concurrently per chunk
	LookupTimeout    time.Duration // Default per-request timeout
	RateLimitDefault float64       // Default requests per second per domain
	MaxDomains       int           // Bound on tracked rate-limited domains

	// Circuit breaker
	BreakerThreshold    int           // Consecutive failures before opening
	BreakerResetTimeout time.Duration // Open period before a half-open trial
	MaxEndpoints        int           // Bound on tracked breaker endpoints

	// Response cache
	CacheBackend       string        // "memory" or "redis"
	CacheMaxEntries    int           // In-process cache bound
	CacheSweepInterval time.Duration // Expired-entry sweep period
	RedisAddress       string        // Redis server address (host:port)
	RedisPassword      string        // Redis authentication password
	RedisDB            int           // Redis database number
	RedisPoolSize      int           // Redis connection pool size

	// Webhook delivery
	WebhookMaxConfigs         int           // Bound on registered configurations
	WebhookMaxDeliveries      int           // Bound on retained delivery records
	WebhookTimeout            time.Duration // Per-attempt delivery timeout
	WebhookSweepInterval      time.Duration // Retry/retention sweep period
	WebhookDeadRetention      time.Duration // Dead-letter retention window
	WebhookDeliveredRetention time.Duration // Delivered-record retention window
}

// Load creates a Config with values from the environment, falling back to
// defaults for anything unset. A .env file is loaded first when present.
// Load does not validate; call Validate() on the result.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BatchSize:        getIntEnv("OUTBOUND_BATCH_SIZE", 10),
		LookupTimeout:    getDurationEnv("OUTBOUND_LOOKUP_TIMEOUT", 30*time.Second),
		RateLimitDefault: getFloatEnv("OUTBOUND_RATE_LIMIT_DEFAULT", 100),
		MaxDomains:       getIntEnv("OUTBOUND_MAX_DOMAINS", 1024),

		BreakerThreshold:    getIntEnv("OUTBOUND_BREAKER_THRESHOLD", 5),
		BreakerResetTimeout: getDurationEnv("OUTBOUND_BREAKER_RESET_TIMEOUT", 30*time.Second),
		MaxEndpoints:        getIntEnv("OUTBOUND_MAX_ENDPOINTS", 1024),

		CacheBackend:       getEnv("OUTBOUND_CACHE_BACKEND", "memory"),
		CacheMaxEntries:    getIntEnv("OUTBOUND_CACHE_MAX_ENTRIES", 1000),
		CacheSweepInterval: getDurationEnv("OUTBOUND_CACHE_SWEEP_INTERVAL", time.Minute),
		RedisAddress:       getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getIntEnv("REDIS_DB", 0),
		RedisPoolSize:      getIntEnv("REDIS_POOL_SIZE", 10),

		WebhookMaxConfigs:         getIntEnv("OUTBOUND_WEBHOOK_MAX_CONFIGS", 1000),
		WebhookMaxDeliveries:      getIntEnv("OUTBOUND_WEBHOOK_MAX_DELIVERIES", 10000),
		WebhookTimeout:            getDurationEnv("OUTBOUND_WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookSweepInterval:      getDurationEnv("OUTBOUND_WEBHOOK_SWEEP_INTERVAL", time.Minute),
		WebhookDeadRetention:      getDurationEnv("OUTBOUND_WEBHOOK_DEAD_RETENTION", 7*24*time.Hour),
		WebhookDeliveredRetention: getDurationEnv("OUTBOUND_WEBHOOK_DELIVERED_RETENTION", 24*time.Hour),
	}
}

// Validate checks that all values are usable. It should be called after
// Load and before wiring components.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("OUTBOUND_BATCH_SIZE must be at least 1")
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("OUTBOUND_LOOKUP_TIMEOUT must be positive")
	}
	if c.RateLimitDefault <= 0 {
		return fmt.Errorf("OUTBOUND_RATE_LIMIT_DEFAULT must be positive")
	}
	if c.MaxDomains < 1 {
		return fmt.Errorf("OUTBOUND_MAX_DOMAINS must be at least 1")
	}

	if c.BreakerThreshold < 1 {
		return fmt.Errorf("OUTBOUND_BREAKER_THRESHOLD must be at least 1")
	}
	if c.BreakerResetTimeout <= 0 {
		return fmt.Errorf("OUTBOUND_BREAKER_RESET_TIMEOUT must be positive")
	}
	if c.MaxEndpoints < 1 {
		return fmt.Errorf("OUTBOUND_MAX_ENDPOINTS must be at least 1")
	}

	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("OUTBOUND_CACHE_BACKEND must be 'memory' or 'redis'")
	}
	if c.CacheBackend == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using the redis cache backend")
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return fmt.Errorf("REDIS_DB must be between 0 and 15")
		}
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("OUTBOUND_CACHE_MAX_ENTRIES must be at least 1")
	}

	if c.WebhookMaxConfigs < 1 {
		return fmt.Errorf("OUTBOUND_WEBHOOK_MAX_CONFIGS must be at least 1")
	}
	if c.WebhookMaxDeliveries < 1 {
		return fmt.Errorf("OUTBOUND_WEBHOOK_MAX_DELIVERIES must be at least 1")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("OUTBOUND_WEBHOOK_TIMEOUT must be positive")
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
