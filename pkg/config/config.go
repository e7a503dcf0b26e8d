package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kantong-id/kantong/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Storage       StorageConfig
	Xendit        XenditConfig
	Billing       BillingConfig
	Webhooks      WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Requests per minute per user and per anonymous client IP. Zero
	// disables the limit.
	RateLimitPerMinute     int
	AnonRateLimitPerMinute int
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// RedisConfig holds the optional usage read-cache settings.
// An empty URL disables the cache.
type RedisConfig struct {
	URL      string
	PoolSize int
}

// StorageConfig holds S3 settings for receipt uploads.
// An empty bucket disables receipt uploads.
type StorageConfig struct {
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3UsePathStyle  bool
	MaxReceiptBytes int64
}

// XenditConfig holds payment gateway settings
type XenditConfig struct {
	BaseURL         string
	SecretKey       string
	CallbackToken   string
	SuccessRedirect string
	FailureRedirect string
	InvoiceDuration time.Duration
	Timeout         time.Duration
	MaxRetries      int
}

// BillingConfig holds plan catalog and subscription settings
type BillingConfig struct {
	PlansFile     string
	SeedPlans     bool
	PlanCacheSize int
	PlanCacheTTL  time.Duration
	SweepEnabled  bool
	SweepSchedule string
}

// WebhookConfig holds outbound event notification settings.
// An empty URL disables notifications.
type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	TracingEnabled bool
	OTelEndpoint   string
	OTelInsecure   bool
	SampleRatio    float64
	ServiceName    string
	Version        string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Storage:       loadStorageConfig(),
		Xendit:        loadXenditConfig(),
		Billing:       loadBillingConfig(),
		Webhooks:      loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KANTONG_HOST", "0.0.0.0"),
		Port:            getEnv("KANTONG_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KANTONG_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KANTONG_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("KANTONG_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KANTONG_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("KANTONG_MAX_BODY_BYTES", 1<<20),

		RateLimitPerMinute:     getEnvInt("KANTONG_RATE_LIMIT_PER_MINUTE", 600),
		AnonRateLimitPerMinute: getEnvInt("KANTONG_ANON_RATE_LIMIT_PER_MINUTE", 60),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("KANTONG_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("KANTONG_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("KANTONG_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("KANTONG_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: getEnvDuration("KANTONG_DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		ConnectTimeout:  getEnvDuration("KANTONG_DATABASE_CONNECT_TIMEOUT", 10*time.Second),
		AutoMigrate:     getEnvBool("KANTONG_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("KANTONG_REDIS_URL", ""),
		PoolSize: getEnvInt("KANTONG_REDIS_POOL_SIZE", 10),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		S3Endpoint:      getEnv("KANTONG_S3_ENDPOINT", ""),
		S3Region:        getEnv("KANTONG_S3_REGION", "ap-southeast-3"),
		S3Bucket:        getEnv("KANTONG_S3_BUCKET", ""),
		S3AccessKey:     getEnv("KANTONG_S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("KANTONG_S3_SECRET_KEY", ""),
		S3UsePathStyle:  getEnvBool("KANTONG_S3_USE_PATH_STYLE", false),
		MaxReceiptBytes: getEnvInt64("KANTONG_MAX_RECEIPT_BYTES", 10<<20),
	}
}

func loadXenditConfig() XenditConfig {
	return XenditConfig{
		BaseURL:         getEnv("KANTONG_XENDIT_BASE_URL", "https://api.xendit.co"),
		SecretKey:       getEnv("KANTONG_XENDIT_SECRET_KEY", ""),
		CallbackToken:   getEnv("KANTONG_XENDIT_CALLBACK_TOKEN", ""),
		SuccessRedirect: getEnv("KANTONG_XENDIT_SUCCESS_REDIRECT_URL", ""),
		FailureRedirect: getEnv("KANTONG_XENDIT_FAILURE_REDIRECT_URL", ""),
		InvoiceDuration: getEnvDuration("KANTONG_XENDIT_INVOICE_DURATION", 24*time.Hour),
		Timeout:         getEnvDuration("KANTONG_XENDIT_TIMEOUT", 10*time.Second),
		MaxRetries:      getEnvInt("KANTONG_XENDIT_MAX_RETRIES", 3),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		PlansFile:     getEnv("KANTONG_PLANS_FILE", "configs/plans.yaml"),
		SeedPlans:     getEnvBool("KANTONG_SEED_PLANS", true),
		PlanCacheSize: getEnvInt("KANTONG_PLAN_CACHE_SIZE", 64),
		PlanCacheTTL:  getEnvDuration("KANTONG_PLAN_CACHE_TTL", 5*time.Minute),
		SweepEnabled:  getEnvBool("KANTONG_SWEEP_ENABLED", true),
		SweepSchedule: getEnv("KANTONG_SWEEP_SCHEDULE", "@hourly"),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		URL:        getEnv("KANTONG_WEBHOOK_URL", ""),
		Secret:     getEnv("KANTONG_WEBHOOK_SECRET", ""),
		Timeout:    getEnvDuration("KANTONG_WEBHOOK_TIMEOUT", 10*time.Second),
		MaxRetries: getEnvInt("KANTONG_WEBHOOK_MAX_RETRIES", 3),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("KANTONG_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("KANTONG_METRICS_ENABLED", true),
		TracingEnabled: getEnvBool("KANTONG_TRACING_ENABLED", false),
		OTelEndpoint:   getEnv("KANTONG_OTEL_ENDPOINT", ""),
		OTelInsecure:   getEnvBool("KANTONG_OTEL_INSECURE", true),
		SampleRatio:    getEnvFloat("KANTONG_TRACE_SAMPLE_RATIO", 1.0),
		ServiceName:    getEnv("KANTONG_SERVICE_NAME", "kantong"),
		Version:        getEnv("KANTONG_VERSION", "dev"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.AnonRateLimitPerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required (KANTONG_DATABASE_URL)")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max open connections must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max idle connections (%d) exceeds max open connections (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" {
		return fmt.Errorf("S3 region is required when a receipt bucket is configured")
	}
	if c.Storage.MaxReceiptBytes <= 0 {
		return fmt.Errorf("max receipt bytes must be positive")
	}

	if c.Xendit.SecretKey != "" {
		if c.Xendit.CallbackToken == "" {
			return fmt.Errorf("xendit callback token is required when a secret key is set")
		}
		if _, err := url.ParseRequestURI(c.Xendit.BaseURL); err != nil {
			return fmt.Errorf("invalid xendit base URL: %w", err)
		}
	}

	if c.Webhooks.URL != "" && c.Webhooks.Secret == "" {
		return fmt.Errorf("webhook secret is required when a webhook URL is set")
	}

	if c.Billing.PlanCacheSize <= 0 {
		return fmt.Errorf("plan cache size must be positive")
	}
	if c.Billing.SweepEnabled {
		if _, err := cron.ParseStandard(c.Billing.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Billing.SweepSchedule, err)
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
