package config

import (
	"fmt"
	"time"
)

// Config holds everything marketd needs to run. NATS, Postgres and Redis are
// optional: leaving them empty runs the marketplace with in-process event
// delivery only.
type Config struct {
	HTTPAddr      string        `yaml:"http_addr"`
	MarketAccount string        `yaml:"market_account"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`

	NATSURL     string `yaml:"nats_url"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP over a sliding window.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MarketAccount == "" {
		c.MarketAccount = "marketplace"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 120
	}
}

// Validate checks for settings that cannot work.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("rate_limit.max must not be negative")
	}
	return nil
}
