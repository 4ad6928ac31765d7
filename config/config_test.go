package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/engine"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LESSONS_JWT_SECRET", "s3cret")

	c, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "sqlite", c.StoreDriver)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, c.CORSOrigins)
	assert.Equal(t, 24*time.Hour, c.RefundWindow)
	assert.Equal(t, 5*time.Second, c.OutboxInterval)
	assert.Equal(t, 8, c.OutboxMaxAttempts)
	assert.Equal(t, engine.ConflictExact, c.Mode())
	assert.Empty(t, c.CalendarURL)
	assert.Empty(t, c.RedisAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LESSONS_JWT_SECRET", "s3cret")
	t.Setenv("LESSONS_CONFLICT_MODE", "overlap")
	t.Setenv("LESSONS_REFUND_WINDOW", "12h")
	t.Setenv("LESSONS_STORE_DRIVER", "postgres")
	t.Setenv("LESSONS_POSTGRES_DSN", "postgres://lessons@localhost/lessons")
	t.Setenv("LESSONS_CORS_ORIGINS", "https://app.example.com")

	c, err := Load()

	require.NoError(t, err)
	assert.Equal(t, engine.ConflictOverlap, c.Mode())
	assert.Equal(t, 12*time.Hour, c.RefundWindow)
	assert.Equal(t, []string{"https://app.example.com"}, c.CORSOrigins)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("LESSONS_JWT_SECRET", "")

	_, err := Load()

	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			JWTSecret:          "s3cret",
			StoreDriver:        "sqlite",
			ConflictMode:       "exact",
			RefundWindow:       24 * time.Hour,
			OutboxInterval:     time.Second,
			OutboxMaxAttempts:  3,
			CompletionInterval: time.Minute,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty secret", func(c *Config) { c.JWTSecret = "" }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = "postgres" }},
		{"bad conflict mode", func(c *Config) { c.ConflictMode = "fuzzy" }},
		{"negative window", func(c *Config) { c.RefundWindow = -time.Hour }},
		{"zero interval", func(c *Config) { c.OutboxInterval = 0 }},
		{"zero attempts", func(c *Config) { c.OutboxMaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
