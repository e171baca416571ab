// Package config loads every runtime setting from the environment in a
// single pass, so a binary either boots with a complete configuration or
// exits naming what is missing.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Admin        AdminConfig
	RateLimit    RateLimitConfig
	Stripe       StripeConfig
	TorBox       TorBoxConfig
	Cipher       CipherConfig
	Worker       WorkerConfig
	FeatureFlags FeatureFlagsConfig
}

// Load parses the process environment into a Config and assembles the
// database DSN from its split parts when no full DSN was given.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.assembleDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AppConfig carries the process-wide settings every binary shares.
type AppConfig struct {
	Env          string `envconfig:"KINORAMA_APP_ENV" required:"true"`
	Port         string `envconfig:"KINORAMA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KINORAMA_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"KINORAMA_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"KINORAMA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// DBConfig describes the Postgres pool. Deploys set either the full DSN or
// the split host variables; assembleDSN folds the latter into the former.
type DBConfig struct {
	DSN    string `envconfig:"KINORAMA_DB_DSN"`
	Driver string `envconfig:"KINORAMA_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"KINORAMA_DB_HOST"`
	Port     int    `envconfig:"KINORAMA_DB_PORT" default:"5432"`
	User     string `envconfig:"KINORAMA_DB_USER"`
	Password string `envconfig:"KINORAMA_DB_PASSWORD"`
	Name     string `envconfig:"KINORAMA_DB_NAME"`
	SSLMode  string `envconfig:"KINORAMA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KINORAMA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KINORAMA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KINORAMA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KINORAMA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (db *DBConfig) assembleDSN() error {
	if db.DSN != "" {
		return nil
	}

	var missing []string
	for _, part := range []struct {
		env   string
		value string
	}{
		{EnvDBHost, db.Host},
		{EnvDBUser, db.User},
		{EnvDBName, db.Name},
	} {
		if part.value == "" {
			missing = append(missing, part.env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.User(db.User),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   db.Name,
	}
	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	}
	if db.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}

	db.DSN = u.String()
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"KINORAMA_REDIS_URL"`
	Password     string        `envconfig:"KINORAMA_REDIS_PASSWORD"`
	DB           int           `envconfig:"KINORAMA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KINORAMA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KINORAMA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KINORAMA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KINORAMA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KINORAMA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a Redis endpoint is configured. The worker lock and
// webhook duplicate guard degrade to single-instance behavior without one.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type JWTConfig struct {
	Secret            string `envconfig:"KINORAMA_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"KINORAMA_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"KINORAMA_JWT_EXPIRATION_MINUTES" default:"10080"`
}

type AdminConfig struct {
	// OperatorKey guards the operator endpoints; empty disables them.
	OperatorKey string `envconfig:"KINORAMA_ADMIN_OPERATOR_KEY"`
}

// RateLimitConfig splits the cheap read surface from checkout, which hits
// Stripe on every call and gets a much tighter window.
type RateLimitConfig struct {
	APIWindow      time.Duration `envconfig:"KINORAMA_RATE_LIMIT_API_WINDOW" default:"1m"`
	APILimit       int           `envconfig:"KINORAMA_RATE_LIMIT_API_LIMIT" default:"120"`
	CheckoutWindow time.Duration `envconfig:"KINORAMA_RATE_LIMIT_CHECKOUT_WINDOW" default:"1m"`
	CheckoutLimit  int           `envconfig:"KINORAMA_RATE_LIMIT_CHECKOUT_LIMIT" default:"10"`
}

type StripeConfig struct {
	Env             string `envconfig:"KINORAMA_STRIPE_ENV" default:"test"`
	APIKey          string `envconfig:"KINORAMA_STRIPE_API_KEY"`
	WebhookSecret   string `envconfig:"KINORAMA_STRIPE_WEBHOOK_SECRET"`
	SuccessURL      string `envconfig:"KINORAMA_STRIPE_SUCCESS_URL" default:"https://app.kinorama.tv/billing/success"`
	CancelURL       string `envconfig:"KINORAMA_STRIPE_CANCEL_URL" default:"https://app.kinorama.tv/billing/cancel"`
	PortalReturnURL string `envconfig:"KINORAMA_STRIPE_PORTAL_RETURN_URL" default:"https://app.kinorama.tv/account"`
}

// Configured reports whether a live processor key is present. Without one the
// billing service synthesizes deterministic mock sessions for local work.
func (s StripeConfig) Configured() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Environment returns the configured Stripe environment name.
func (s StripeConfig) Environment() string {
	return s.Env
}

type TorBoxConfig struct {
	BaseURL        string        `envconfig:"KINORAMA_TORBOX_BASE_URL" default:"https://api.torbox.app"`
	APIKey         string        `envconfig:"KINORAMA_TORBOX_API_KEY" required:"true"`
	RequestTimeout time.Duration `envconfig:"KINORAMA_TORBOX_REQUEST_TIMEOUT" default:"30s"`
	RetryAttempts  int           `envconfig:"KINORAMA_TORBOX_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"KINORAMA_TORBOX_RETRY_BASE_DELAY" default:"1s"`
}

type CipherConfig struct {
	// TokenSecret feeds the KDF for vendor API token encryption at rest.
	TokenSecret string `envconfig:"KINORAMA_TOKEN_CIPHER_SECRET" required:"true"`
}

// WorkerConfig tunes the provisioning sweep loop.
type WorkerConfig struct {
	Interval time.Duration `envconfig:"KINORAMA_WORKER_INTERVAL" default:"60s"`
	LockTTL  time.Duration `envconfig:"KINORAMA_WORKER_LOCK_TTL" default:"5m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"KINORAMA_AUTO_MIGRATE" default:"false"`
}
