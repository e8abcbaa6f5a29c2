package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Webhook  WebhookConfig
	Access   AccessConfig
	Notifier NotifierConfig
	Worker   WorkerConfig
}

// Load reads the configuration from the environment (and a .env file when present).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env            string   `envconfig:"APP_ENV" default:"development"`
	Port           string   `envconfig:"PORT" default:"8080"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	LogWarnStack   bool     `envconfig:"LOG_WARN_STACK" default:"false"`
	PublicBaseURL  string   `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	AdminAPIKey    string   `envconfig:"ADMIN_API_KEY"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "dev")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "prod")
}

type DBConfig struct {
	DSN      string `envconfig:"BLUEPRINT_DB_DSN"`
	Host     string `envconfig:"BLUEPRINT_DB_HOST"`
	Port     string `envconfig:"BLUEPRINT_DB_PORT" default:"5432"`
	Username string `envconfig:"BLUEPRINT_DB_USERNAME"`
	Password string `envconfig:"BLUEPRINT_DB_PASSWORD"`
	Database string `envconfig:"BLUEPRINT_DB_DATABASE"`
	Schema   string `envconfig:"BLUEPRINT_DB_SCHEMA" default:"public"`
	SSLMode  string `envconfig:"BLUEPRINT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BLUEPRINT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BLUEPRINT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BLUEPRINT_DB_CONN_MAX_LIFETIME" default:"1h"`
	AutoMigrate     bool          `envconfig:"BLUEPRINT_DB_AUTO_MIGRATE" default:"true"`
}

type RedisConfig struct {
	URL          string        `envconfig:"REDIS_URL"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Enabled reports whether a redis connection was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type GatewayConfig struct {
	ServerKey string        `envconfig:"GATEWAY_SERVER_KEY"`
	BaseURL   string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.sandbox.midtrans.com"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	Timeout         time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	SurfaceNotFound bool          `envconfig:"WEBHOOK_SURFACE_NOT_FOUND" default:"false"`
	AllowUnsigned   bool          `envconfig:"WEBHOOK_ALLOW_UNSIGNED" default:"false"`
	StoreRetries    uint64        `envconfig:"WEBHOOK_STORE_RETRIES" default:"3"`
}

type AccessConfig struct {
	TokenValidity time.Duration `envconfig:"ACCESS_TOKEN_VALIDITY" default:"24h"`
	GrantTimeout  time.Duration `envconfig:"ACCESS_GRANT_TIMEOUT" default:"10s"`
}

type NotifierConfig struct {
	URL         string        `envconfig:"NOTIFIER_URL"`
	Workers     int           `envconfig:"NOTIFIER_WORKERS" default:"2"`
	QueueSize   int           `envconfig:"NOTIFIER_QUEUE_SIZE" default:"256"`
	Timeout     time.Duration `envconfig:"NOTIFIER_TIMEOUT" default:"5s"`
	MaxAttempts uint64        `envconfig:"NOTIFIER_MAX_ATTEMPTS" default:"3"`
}

type WorkerConfig struct {
	Enabled    bool          `envconfig:"WORKER_ENABLED" default:"true"`
	Interval   time.Duration `envconfig:"WORKER_INTERVAL" default:"1m"`
	StuckAfter time.Duration `envconfig:"WORKER_STUCK_AFTER" default:"15m"`
	BatchSize  int           `envconfig:"WORKER_BATCH_SIZE" default:"50"`
	LockName   string        `envconfig:"WORKER_LOCK_NAME" default:"reconciliation"`
	LockTTL    time.Duration `envconfig:"WORKER_LOCK_TTL" default:"5m"`
}

// AcceptUnsigned reports whether notifications without a signature_key may be processed.
// Production never accepts them.
func (c *Config) AcceptUnsigned() bool {
	return c.Webhook.AllowUnsigned && !c.App.IsProd()
}

func (c *Config) validate() error {
	if c.App.IsProd() && strings.TrimSpace(c.Gateway.ServerKey) == "" {
		return errors.New("GATEWAY_SERVER_KEY is required in production")
	}
	if c.Access.TokenValidity <= 0 {
		return errors.New("ACCESS_TOKEN_VALIDITY must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return errors.New("WEBHOOK_TIMEOUT must be positive")
	}
	return nil
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	if db.Host == "" {
		missing = append(missing, "BLUEPRINT_DB_HOST")
	}
	if db.Username == "" {
		missing = append(missing, "BLUEPRINT_DB_USERNAME")
	}
	if db.Database == "" {
		missing = append(missing, "BLUEPRINT_DB_DATABASE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("either BLUEPRINT_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.Username)
	if db.Password != "" {
		userInfo = url.UserPassword(db.Username, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%s", db.Host, db.Port),
		Path:   db.Database,
	}
	q := u.Query()
	if db.SSLMode != "" {
		q.Set("sslmode", db.SSLMode)
	}
	if db.Schema != "" {
		q.Set("search_path", db.Schema)
	}
	u.RawQuery = q.Encode()

	db.DSN = u.String()
	return nil
}
