// Package config содержит логику чтения конфигурации сервиса расчётов по заказам.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	NotifyWebhookAddress string        `env:"NOTIFY_WEBHOOK_ADDRESS"`
	MaxChargeAmount      int64         `env:"MAX_CHARGE_AMOUNT" envDefault:"1000000"`
	RetryAttempts        int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay           time.Duration `env:"RETRY_DELAY" envDefault:"100ms"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменная окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.NotifyWebhookAddress, "w", "", "order notification webhook address, log only when empty")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.MaxChargeAmount <= 0 {
		errs = append(errs, errors.New("MAX_CHARGE_AMOUNT must be positive"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("RETRY_DELAY must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
