package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all service configuration, read from the environment.
type Config struct {
	Addr           string `env:"ADDR" envDefault:":8080"`
	AllowedOrigin  string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	DefaultStoreID string `env:"DEFAULT_STORE_ID" envDefault:"main-store"`

	// POSSessionTTL is the default expiry window for POS sessions; individual
	// sessions may override it. The checkout window is fixed at five minutes
	// and is not configurable.
	POSSessionTTL time.Duration `env:"POS_SESSION_TTL" envDefault:"4h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	GuardBatchCap int           `env:"GUARD_BATCH_CAP" envDefault:"50"`
	GuardLookback time.Duration `env:"GUARD_LOOKBACK" envDefault:"24h"`
	GuardCacheTTL time.Duration `env:"GUARD_CACHE_TTL" envDefault:"3s"`

	AuthSecret     string        `env:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"8h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if c.POSSessionTTL < time.Minute {
		return fmt.Errorf("POS_SESSION_TTL must be at least one minute")
	}
	if c.GuardBatchCap < 1 {
		return fmt.Errorf("GUARD_BATCH_CAP must be positive")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least one second")
	}
	return nil
}
