// Package config содержит логику чтения конфигурации сервиса лепестковой экономики.
package config

import (
	"flag"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisURL    string `env:"REDIS_URL"`
	TuningFile  string `env:"TUNING_FILE"`

	AuthSecret      string `env:"AUTH_SECRET" envDefault:"dev-petals-secret"`
	StorefrontToken string `env:"STOREFRONT_TOKEN"`
	Timezone        string `env:"TIMEZONE" envDefault:"UTC"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	TxTimeout      time.Duration `env:"TX_TIMEOUT" envDefault:"15s"`

	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"30"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"10s"`
	RateLimitPerSecond int           `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisURL := cfg.RedisURL
	envTuningFile := cfg.TuningFile

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for the shared rate limiter")
	flag.StringVar(&cfg.TuningFile, "t", "", "path to TOML file with economy tuning")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envTuningFile != "" {
		cfg.TuningFile = envTuningFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Location возвращает справочную временную зону для дневных лимитов.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
