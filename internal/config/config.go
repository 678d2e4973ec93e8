package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Email     EmailConfig
	Scheduler SchedulerConfig

	SnowflakeNode int64
	LifecycleFile string
}

// TelemetryConfig carries logging and OpenTelemetry settings. The OTEL_*
// variable names follow the OpenTelemetry SDK conventions.
type TelemetryConfig struct {
	LogLevel  string
	LogFormat string

	// OTLPEnabled defaults to true when an endpoint is set.
	OTLPEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// LockTTLSeconds bounds how long a crashed instance can hold a subscription lock.
	LockTTLSeconds int
}

// Enabled reports whether a redis address has been configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig throttles gateway webhook ingestion. It requires redis.
type RateLimitConfig struct {
	Enabled           bool
	WebhookRate       float64
	WebhookBurst      int
	SubscriptionRate  float64
	SubscriptionBurst int
}

type SchedulerConfig struct {
	RunIntervalSeconds       int
	BatchSize                int
	JobTimeoutSeconds        int
	RecoveryThresholdSeconds int
	// Jobs is a comma separated allow-list; empty runs every job.
	Jobs string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// TemplateDir overrides the embedded templates when set.
	TemplateDir string
	// BillingContact receives notifications for subscriptions without a resolved recipient.
	BillingContact string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "dunningd"),
		AppVersion:        getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment:       getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "dunningd"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		Telemetry:         loadTelemetry(),
		Redis: RedisConfig{
			Addr:           strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:       getenv("REDIS_PASSWORD", ""),
			DB:             getenvInt("REDIS_DB", 0),
			LockTTLSeconds: getenvInt("REDIS_LOCK_TTL_SECONDS", 30),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:       getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 200),
			WebhookBurst:      getenvInt("RATE_LIMIT_WEBHOOK_BURST", 400),
			SubscriptionRate:  getenvFloat("RATE_LIMIT_SUBSCRIPTION_RATE", 5),
			SubscriptionBurst: getenvInt("RATE_LIMIT_SUBSCRIPTION_BURST", 20),
		},
		Email: EmailConfig{
			SMTPHost:       getenv("SMTP_HOST", "localhost"),
			SMTPPort:       getenvInt("SMTP_PORT", 1025),
			SMTPUsername:   getenv("SMTP_USERNAME", ""),
			SMTPPassword:   getenv("SMTP_PASSWORD", ""),
			SMTPFrom:       getenv("SMTP_FROM", "billing@dunningd.local"),
			TemplateDir:    getenv("EMAIL_TEMPLATE_DIR", ""),
			BillingContact: getenv("EMAIL_BILLING_CONTACT", "billing-ops@dunningd.local"),
		},
		Scheduler: SchedulerConfig{
			RunIntervalSeconds:       getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
			BatchSize:                getenvInt("SCHEDULER_BATCH_SIZE", 50),
			JobTimeoutSeconds:        getenvInt("SCHEDULER_JOB_TIMEOUT_SECONDS", 30),
			RecoveryThresholdSeconds: getenvInt("SCHEDULER_RECOVERY_THRESHOLD_SECONDS", 900),
			Jobs:                     getenv("SCHEDULER_JOBS", ""),
		},
		SnowflakeNode: int64(getenvInt("SNOWFLAKE_NODE", 1)),
		LifecycleFile: strings.TrimSpace(getenv("LIFECYCLE_CONFIG", "")),
	}
}

func loadTelemetry() TelemetryConfig {
	endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "")))
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"); strings.TrimSpace(traces) != "" {
		protocol = traces
	}
	return TelemetryConfig{
		LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		OTLPEnabled:   getenvBool("OTEL_ENABLED", endpoint != ""),
		OTLPEndpoint:  endpoint,
		OTLPProtocol:  strings.ToLower(strings.TrimSpace(protocol)),
		SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
