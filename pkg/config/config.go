package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// Config holds all process configuration read from the environment
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (optional; enables cross-process invoice locks)
	Redis RedisConfig

	// Observability configuration
	Observability ObservabilityConfig

	Billing  BillingConfig
	Payments PaymentsConfig
	Webhooks WebhooksConfig
	Dunning  DunningConfig
	Archive  ArchiveConfig

	// DevMode runs against the in-memory store instead of Postgres
	DevMode bool
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
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	AutoMigrate bool
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64

	// AlertSlackWebhookURL, when set, also posts operator alerts to Slack
	AlertSlackWebhookURL string
}

// BillingConfig holds invoice generation settings
type BillingConfig struct {
	// RuntimeFile is the YAML file holding rates, providers and relay consumers
	RuntimeFile    string
	WatchRuntime   bool
	TaxBasisPoints int64
	NetTermsDays   int
	InvoicePrefix  string
	CloseSchedule  string
	BatchWorkers   int
}

// PaymentsConfig holds processor and retry settings
type PaymentsConfig struct {
	ProcessorName    string
	ProcessorURL     string
	ProcessorAPIKey  string
	ProcessorTimeout time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64

	PollInterval    time.Duration
	ClaimBatchSize  int
	ProcessingLease time.Duration
	Workers         int
}

// WebhooksConfig holds ingestion and redelivery settings
type WebhooksConfig struct {
	RetryPollInterval time.Duration
	ClaimBatchSize    int
	DedupTTL          time.Duration
	InFlightLease     time.Duration
	RelayTimeout      time.Duration
	RelayRateLimit    int
	RelayRatePeriod   time.Duration
}

// DunningConfig holds escalation settings
type DunningConfig struct {
	Schedule            string
	MaxLevel            int
	Cooldown            time.Duration
	MaxDeliveryAttempts int
	NotifierURL         string
	NotifierSecret      string
}

// ArchiveConfig holds security log archival settings
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UsePathStyle    bool
	Prefix          string
	Schedule        string
	CheckpointEvery int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Observability: loadObservabilityConfig(),
		Billing:       loadBillingConfig(),
		Payments:      loadPaymentsConfig(),
		Webhooks:      loadWebhooksConfig(),
		Dunning:       loadDunningConfig(),
		Archive:       loadArchiveConfig(),
		DevMode:       getEnvBool("BILLING_DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BILLING_HOST", "0.0.0.0"),
		Port:            getEnv("BILLING_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BILLING_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BILLING_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BILLING_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BILLING_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("BILLING_MAX_BODY_BYTES", 1<<20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("BILLING_POSTGRES_URL", ""),
		ReplicaURLs: getEnvList("BILLING_POSTGRES_REPLICA_URLS"),
		MaxConns:    getEnvInt("BILLING_POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("BILLING_POSTGRES_MIN_CONNS", 2),
		Timeout:     getEnvDuration("BILLING_POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("BILLING_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("BILLING_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		AutoMigrate: getEnvBool("BILLING_POSTGRES_AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("BILLING_REDIS_URL", ""),
		Password: getEnv("BILLING_REDIS_PASSWORD", ""),
		DB:       getEnvInt("BILLING_REDIS_DB", 0),
		PoolSize: getEnvInt("BILLING_REDIS_POOL_SIZE", 10),
		LockTTL:  getEnvDuration("BILLING_REDIS_LOCK_TTL", 30*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("BILLING_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BILLING_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BILLING_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BILLING_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BILLING_OTEL_SERVICE_NAME", "billing-server"),
		OTelServiceVersion: getEnv("BILLING_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BILLING_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("BILLING_OTEL_SAMPLE_RATIO", 1.0),

		AlertSlackWebhookURL: getEnv("BILLING_ALERT_SLACK_WEBHOOK_URL", ""),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		RuntimeFile:    getEnv("BILLING_RUNTIME_FILE", "billing.yaml"),
		WatchRuntime:   getEnvBool("BILLING_RUNTIME_WATCH", true),
		TaxBasisPoints: getEnvInt64("BILLING_TAX_BASIS_POINTS", 1000),
		NetTermsDays:   getEnvInt("BILLING_NET_TERMS_DAYS", 30),
		InvoicePrefix:  getEnv("BILLING_INVOICE_PREFIX", "INV"),
		CloseSchedule:  getEnv("BILLING_CLOSE_SCHEDULE", "30 2 1 * *"),
		BatchWorkers:   getEnvInt("BILLING_BATCH_WORKERS", 8),
	}
}

func loadPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		ProcessorName:    getEnv("BILLING_PROCESSOR_NAME", "processor"),
		ProcessorURL:     getEnv("BILLING_PROCESSOR_URL", ""),
		ProcessorAPIKey:  getEnv("BILLING_PROCESSOR_API_KEY", ""),
		ProcessorTimeout: getEnvDuration("BILLING_PROCESSOR_TIMEOUT", 20*time.Second),
		MaxRetries:       getEnvInt("BILLING_PAYMENT_MAX_RETRIES", 3),
		BaseDelay:        getEnvDuration("BILLING_PAYMENT_BASE_DELAY", time.Minute),
		MaxDelay:         getEnvDuration("BILLING_PAYMENT_MAX_DELAY", 24*time.Hour),
		Multiplier:       getEnvFloat("BILLING_PAYMENT_BACKOFF_MULTIPLIER", 2.0),
		Jitter:           getEnvFloat("BILLING_PAYMENT_JITTER", 0.1),
		PollInterval:     getEnvDuration("BILLING_PAYMENT_POLL_INTERVAL", 15*time.Second),
		ClaimBatchSize:   getEnvInt("BILLING_PAYMENT_CLAIM_BATCH", 50),
		ProcessingLease:  getEnvDuration("BILLING_PAYMENT_PROCESSING_LEASE", 10*time.Minute),
		Workers:          getEnvInt("BILLING_PAYMENT_WORKERS", 4),
	}
}

func loadWebhooksConfig() WebhooksConfig {
	return WebhooksConfig{
		RetryPollInterval: getEnvDuration("BILLING_WEBHOOK_RETRY_POLL_INTERVAL", 10*time.Second),
		ClaimBatchSize:    getEnvInt("BILLING_WEBHOOK_CLAIM_BATCH", 50),
		DedupTTL:          getEnvDuration("BILLING_WEBHOOK_DEDUP_TTL", 30*24*time.Hour),
		InFlightLease:     getEnvDuration("BILLING_WEBHOOK_INFLIGHT_LEASE", 2*time.Minute),
		RelayTimeout:      getEnvDuration("BILLING_WEBHOOK_RELAY_TIMEOUT", 10*time.Second),
		RelayRateLimit:    getEnvInt("BILLING_WEBHOOK_RELAY_RATE_LIMIT", 100),
		RelayRatePeriod:   getEnvDuration("BILLING_WEBHOOK_RELAY_RATE_PERIOD", time.Minute),
	}
}

func loadDunningConfig() DunningConfig {
	return DunningConfig{
		Schedule:            getEnv("BILLING_DUNNING_SCHEDULE", "0 * * * *"),
		MaxLevel:            getEnvInt("BILLING_DUNNING_MAX_LEVEL", 3),
		Cooldown:            getEnvDuration("BILLING_DUNNING_COOLDOWN", 72*time.Hour),
		MaxDeliveryAttempts: getEnvInt("BILLING_DUNNING_MAX_DELIVERY_ATTEMPTS", 5),
		NotifierURL:         getEnv("BILLING_DUNNING_NOTIFIER_URL", ""),
		NotifierSecret:      getEnv("BILLING_DUNNING_NOTIFIER_SECRET", ""),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:         getEnvBool("BILLING_ARCHIVE_ENABLED", false),
		Bucket:          getEnv("BILLING_ARCHIVE_S3_BUCKET", ""),
		Region:          getEnv("BILLING_ARCHIVE_S3_REGION", "us-east-1"),
		Endpoint:        getEnv("BILLING_ARCHIVE_S3_ENDPOINT", ""),
		AccessKey:       getEnv("BILLING_ARCHIVE_S3_ACCESS_KEY", ""),
		SecretKey:       getEnv("BILLING_ARCHIVE_S3_SECRET_KEY", ""),
		UsePathStyle:    getEnvBool("BILLING_ARCHIVE_S3_USE_PATH_STYLE", false),
		Prefix:          getEnv("BILLING_ARCHIVE_PREFIX", "security-log"),
		Schedule:        getEnv("BILLING_ARCHIVE_SCHEDULE", "15 3 * * *"),
		CheckpointEvery: getEnvInt("BILLING_SECURITY_LOG_CHECKPOINT_EVERY", 1000),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if !c.DevMode && c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required unless dev mode is enabled")
	}

	if c.Billing.TaxBasisPoints < 0 {
		return fmt.Errorf("tax basis points must not be negative")
	}
	if c.Billing.NetTermsDays <= 0 {
		return fmt.Errorf("net terms must be at least one day")
	}
	if c.Billing.BatchWorkers <= 0 {
		return fmt.Errorf("batch workers must be positive")
	}

	if c.Payments.MaxRetries < 0 {
		return fmt.Errorf("payment max retries must not be negative")
	}
	if c.Payments.BaseDelay <= 0 || c.Payments.MaxDelay < c.Payments.BaseDelay {
		return fmt.Errorf("payment retry delays must satisfy 0 < base <= max")
	}
	if c.Payments.Multiplier < 1 {
		return fmt.Errorf("payment backoff multiplier must be at least 1")
	}
	// jitter above multiplier-1 could let a jittered delay exceed the next step
	if c.Payments.Jitter < 0 || c.Payments.Jitter > c.Payments.Multiplier-1 {
		return fmt.Errorf("payment jitter must be between 0 and multiplier-1")
	}

	if c.Dunning.MaxLevel <= 0 {
		return fmt.Errorf("dunning max level must be positive")
	}
	if c.Dunning.Cooldown <= 0 {
		return fmt.Errorf("dunning cooldown must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archival is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable as a slice
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

// getEnvFloat returns a float environment variable or a default
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
