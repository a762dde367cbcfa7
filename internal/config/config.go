// Package config reads process configuration from the environment. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type BusKind string

const (
	BusLog     BusKind = "log"
	BusRedis   BusKind = "redis"
	BusWebhook BusKind = "webhook"
)

type Config struct {
	DatabaseURL    string
	ServerPort     string
	AllowedOrigins string
	JWTSecret      string
	LogLevel       string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	SweepInterval      time.Duration
	ReconcileInterval  time.Duration
	TxTimeout          time.Duration
	RetryAttempts      uint
	AllowBackorder     bool

	BusKind     BusKind
	RedisURL    string
	RedisStream string
	WebhookURL  string

	OTLPEndpoint string
	ServiceName  string
}

// Load reads the environment. Unset variables take their defaults; malformed
// ones are an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	e := &env{}
	cfg := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ServerPort:     e.str("SERVER_PORT", "8080"),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LogLevel:       e.str("LOG_LEVEL", "info"),

		OutboxPollInterval: e.duration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:    e.int("OUTBOX_BATCH_SIZE", 50),
		SweepInterval:      e.duration("SWEEP_INTERVAL", 5*time.Second),
		ReconcileInterval:  e.duration("RECONCILE_INTERVAL", 10*time.Minute),
		TxTimeout:          e.duration("TX_TIMEOUT", 5*time.Second),
		RetryAttempts:      uint(e.int("RETRY_ATTEMPTS", 3)),
		AllowBackorder:     e.bool("ALLOW_BACKORDER", false),

		BusKind:     BusKind(strings.ToLower(e.str("BUS_KIND", string(BusLog)))),
		RedisURL:    os.Getenv("REDIS_URL"),
		RedisStream: e.str("REDIS_STREAM", "stock.level_changed"),
		WebhookURL:  os.Getenv("WEBHOOK_URL"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  e.str("SERVICE_NAME", "stock-ledger"),
	}
	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.BusKind {
	case BusLog:
	case BusRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("BUS_KIND=redis requires REDIS_URL")
		}
	case BusWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("BUS_KIND=webhook requires WEBHOOK_URL")
		}
	default:
		return fmt.Errorf("unknown BUS_KIND %q", c.BusKind)
	}
	if c.RetryAttempts == 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}

// InMemory reports whether no database is configured.
func (c Config) InMemory() bool { return c.DatabaseURL == "" }

// env collects the first parse error so Load can report it once.
type env struct{ err error }

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
