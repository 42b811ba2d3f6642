package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Config is built once by the process entry point and handed to every
// component that needs it. Nothing reads the environment lazily.
type Config struct {
	AppHost string
	AppPort string
	AppEnv  string

	Webhooks WebhookConfig
	Database DatabaseConfig
	Cache    CacheConfig
	SMTP     SMTPConfig
	Dispatch DispatchConfig
	Replay   ReplayConfig
	Archive  ArchiveConfig
	Admin    AdminConfig

	// Lease keeps a claimed webhook event reserved for its handler.
	IdempotencyLease time.Duration `validate:"gt=0"`
	// RequestTimeout bounds the whole webhook request.
	RequestTimeout time.Duration `validate:"gt=0"`
	// FinalPaymentAttempt is the attempt count after which a failed renewal
	// is treated as final when the provider does not say so itself.
	FinalPaymentAttempt int `validate:"gte=1"`
	OperatorEmail       string
	DocsPath            string
}

// WebhookConfig holds the shared secrets. They may be empty at startup; the
// webhook handlers reject requests with a configuration error in that case.
type WebhookConfig struct {
	StripeSecret       string
	LemonSqueezySecret string
	RateLimit          int `validate:"gte=1"`
}

type DatabaseConfig struct {
	Driver   string `validate:"oneof=mysql sqlite"`
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	// DSN overrides the assembled MySQL DSN; for sqlite it is the file path.
	DSN string
}

type CacheConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	Password string
	DB       int `validate:"gte=0"`
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

type DispatchConfig struct {
	MaxAttempts   int           `validate:"gte=1,lte=10"`
	BaseBackoff   time.Duration `validate:"gt=0"`
	MaxBackoff    time.Duration `validate:"gtefield=BaseBackoff"`
	EffectTimeout time.Duration `validate:"gt=0"`
}

type ReplayConfig struct {
	Enabled     bool
	Schedule    string `validate:"required"`
	Workers     int    `validate:"gte=1"`
	MaxAttempts int    `validate:"gte=1"`
	BatchSize   int    `validate:"gte=1"`
}

type ArchiveConfig struct {
	Enabled         bool
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string
}

type AdminConfig struct {
	User     string
	Password string
}

// Load assembles the configuration from the environment (see env.SetupEnvFile).
func Load() (*Config, error) {
	cfg := &Config{
		AppHost: env.GetEnv("APP_HOST", "localhost"),
		AppPort: env.GetEnv("APP_PORT", "4000"),
		AppEnv:  env.GetEnv("APP_ENV", "prod"),
		Webhooks: WebhookConfig{
			StripeSecret:       strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			LemonSqueezySecret: strings.TrimSpace(env.GetEnv("LEMONSQUEEZY_WEBHOOK_SECRET", "")),
			RateLimit:          env.GetEnvInt("WEBHOOK_RATE_LIMIT", 120),
		},
		Database: DatabaseConfig{
			Driver:   env.GetEnv("DB_DRIVER", "mysql"),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Name:     env.GetEnv("DB_NAME", ""),
			DSN:      env.GetEnv("DB_DSN", ""),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetEnvInt("CACHE_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     env.GetEnv("SMTP_HOST", ""),
			Port:     env.GetEnv("SMTP_PORT", "587"),
			Username: env.GetEnv("SMTP_USERNAME", ""),
			Password: env.GetEnv("SMTP_PASSWORD", ""),
			Sender:   env.GetEnv("SMTP_SENDER", ""),
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   env.GetEnvInt("BILLING_EFFECT_MAX_ATTEMPTS", 3),
			BaseBackoff:   env.GetEnvDuration("BILLING_EFFECT_BASE_BACKOFF", 200*time.Millisecond),
			MaxBackoff:    env.GetEnvDuration("BILLING_EFFECT_MAX_BACKOFF", 2*time.Second),
			EffectTimeout: env.GetEnvDuration("BILLING_EFFECT_TIMEOUT", 10*time.Second),
		},
		Replay: ReplayConfig{
			Enabled:     env.GetEnvBool("BILLING_REPLAY_ENABLED", true),
			Schedule:    env.GetEnv("BILLING_REPLAY_SCHEDULE", "@every 5m"),
			Workers:     env.GetEnvInt("BILLING_REPLAY_WORKERS", 2),
			MaxAttempts: env.GetEnvInt("BILLING_REPLAY_MAX_ATTEMPTS", 8),
			BatchSize:   env.GetEnvInt("BILLING_REPLAY_BATCH_SIZE", 50),
		},
		Archive: ArchiveConfig{
			Enabled:         env.GetEnvBool("ARCHIVE_S3_ENABLED", false),
			AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("ARCHIVE_S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		},
		Admin: AdminConfig{
			User:     env.GetEnv("ADMIN_USER", ""),
			Password: env.GetEnv("ADMIN_PASSWORD", ""),
		},
		IdempotencyLease:    env.GetEnvDuration("BILLING_IDEMPOTENCY_LEASE", 2*time.Minute),
		RequestTimeout:      env.GetEnvDuration("BILLING_REQUEST_TIMEOUT", 15*time.Second),
		FinalPaymentAttempt: env.GetEnvInt("BILLING_FINAL_PAYMENT_ATTEMPT", 4),
		OperatorEmail:       env.GetEnv("BILLING_OPERATOR_EMAIL", ""),
		DocsPath:            env.GetEnv("DOCS_OPENAPI_PATH", "./docs/openapi.yml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints plus the cross-field rules validator
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Archive.Enabled {
		if c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "" || c.Archive.BucketName == "" {
			return fmt.Errorf("invalid configuration: ARCHIVE_S3_ACCESS_KEY_ID, ARCHIVE_S3_SECRET_ACCESS_KEY and ARCHIVE_S3_BUCKET_NAME are required when the archive is enabled")
		}
	}
	return nil
}

// MySQLDSN returns the DSN in the go-sql-driver format used by gorm.
func (d DatabaseConfig) MySQLDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Addr is the host:port pair for the Redis client.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}
