// Package config defines the configuration for the session-credential core.
// Configuration is loaded once at process start and is immutable thereafter,
// following 12-Factor principles: values come from the OS environment, with a
// .env file as a development convenience. Any missing required value or
// invalid format fails the process immediately on startup.
package config

import (
	"time"

	"estacao/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"dev" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"estacao-core"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Timezone is the fixed civil timezone every scheduled-at string is
	// interpreted in. Sessions store civil times, never UTC instants.
	Timezone string `envconfig:"PLATFORM_TIMEZONE" default:"America/Sao_Paulo" validate:"required"`

	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	RTC       RTCConfig
	Billing   BillingConfig
}

// ServerConfig holds the webhook receiver's HTTP settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds PostgreSQL connection and pool tuning parameters.
type DatabaseConfig struct {
	URL             SecretString  `envconfig:"DATABASE_URL" validate:"required"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// RedisConfig holds broker connection parameters.
type RedisConfig struct {
	Addr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required"`
	Password    SecretString  `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	PingTimeout time.Duration `envconfig:"REDIS_PING_TIMEOUT" default:"2s"`
}

// SchedulerConfig tunes the delayed-job path and worker pools. The sweeper
// tiers carry fixed parameters (see the scheduler package); only pool
// concurrency is operator-tunable, mirroring the original deployment knobs.
type SchedulerConfig struct {
	CredentialConcurrency int `envconfig:"CREDENTIAL_WORKER_CONCURRENCY" default:"3" validate:"min=1,max=16"`
}

// WebhookConfig tunes webhook processing.
type WebhookConfig struct {
	Concurrency         int           `envconfig:"WEBHOOK_WORKER_CONCURRENCY" default:"3" validate:"min=1,max=16"`
	FollowUpConcurrency int           `envconfig:"WEBHOOK_FOLLOWUP_CONCURRENCY" default:"2" validate:"min=1,max=16"`
	MaxBodyBytes        int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"262144"`
	ArchiveAfter        time.Duration `envconfig:"WEBHOOK_ARCHIVE_AFTER" default:"720h"`

	// VindiSecret is the shared secret the receiver checks on /webhooks/vindi.
	VindiSecret SecretString `envconfig:"VINDI_WEBHOOK_SECRET"`
	// StripeSecret signs Stripe-Signature headers on /webhooks/stripe.
	StripeSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// RTCConfig holds the realtime-video vendor credentials used to mint join
// tokens for session participants.
type RTCConfig struct {
	AppID       string        `envconfig:"RTC_APP_ID" validate:"required"`
	Certificate SecretString  `envconfig:"RTC_APP_CERTIFICATE" validate:"required"`
	TokenTTL    time.Duration `envconfig:"RTC_TOKEN_TTL" default:"2h"`
}

// BillingConfig holds the payment provider API credentials used by the
// generic settlement path to confirm bill state.
type BillingConfig struct {
	VindiBaseURL string       `envconfig:"VINDI_API_URL" default:"https://app.vindi.com.br/api/v1"`
	VindiAPIKey  SecretString `envconfig:"VINDI_API_KEY"`
}
