// Package config loads server settings from LESSONS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/warp/lesson-engine/engine"
)

const envPrefix = "LESSONS"

type Config struct {
	// HTTP
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`

	// Store
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/lessons.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Booking policy
	ConflictMode string        `envconfig:"CONFLICT_MODE" default:"exact"`
	RefundWindow time.Duration `envconfig:"REFUND_WINDOW" default:"24h"`

	// Calendar gateway; empty disables calendar sync
	CalendarURL     string        `envconfig:"CALENDAR_URL"`
	CalendarTimeout time.Duration `envconfig:"CALENDAR_TIMEOUT" default:"10s"`

	// Notifications; empty RabbitURL logs notifications instead
	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_EXCHANGE" default:"lessons.events"`

	// Schedule cache; empty RedisAddr disables it
	RedisAddr        string        `envconfig:"REDIS_ADDR"`
	ScheduleCacheTTL time.Duration `envconfig:"SCHEDULE_CACHE_TTL" default:"5m"`

	// Background workers
	OutboxInterval     time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"8"`
	OutboxBatch        int           `envconfig:"OUTBOX_BATCH" default:"100"`
	CompletionInterval time.Duration `envconfig:"COMPLETION_INTERVAL" default:"1m"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%s_JWT_SECRET must not be empty", envPrefix)
	}
	switch strings.ToLower(c.StoreDriver) {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s_POSTGRES_DSN is required for the postgres store", envPrefix)
		}
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite, postgres or memory)", c.StoreDriver)
	}
	if _, err := engine.ParseConflictMode(c.ConflictMode); err != nil {
		return err
	}
	if c.RefundWindow < 0 {
		return fmt.Errorf("refund window must not be negative, got %s", c.RefundWindow)
	}
	if c.OutboxInterval <= 0 || c.CompletionInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("outbox max attempts must be at least 1, got %d", c.OutboxMaxAttempts)
	}
	return nil
}

// Mode returns the parsed conflict mode. Only valid after Validate.
func (c Config) Mode() engine.ConflictMode {
	m, _ := engine.ParseConflictMode(c.ConflictMode)
	return m
}
