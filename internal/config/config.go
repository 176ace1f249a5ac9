// Package config содержит логику чтения конфигурации сервиса розыгрышей.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultReservationWindow = 15 * time.Minute
)

// Config содержит параметры конфигурации сервиса розыгрышей.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	PaymentAPIURL     string        `env:"PAYMENT_API_URL"`
	ReservationWindow time.Duration `env:"RESERVATION_WINDOW"`

	PaymentStoreID       string `env:"PAYMENT_STORE_ID"`
	PaymentAPIKey        string `env:"PAYMENT_API_KEY"`
	PaymentWebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET"`

	AuthSecret string `env:"AUTH_SECRET"`
	AdminToken string `env:"ADMIN_TOKEN"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	CloseInterval time.Duration `env:"CLOSE_INTERVAL" envDefault:"1m"`

	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"raffle_events"`

	MetricsAddress string `env:"METRICS_ADDRESS"`
	Env            string `env:"ENV" envDefault:"production"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaymentAPIURL := cfg.PaymentAPIURL
	envReservationWindow := cfg.ReservationWindow

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory ledger when empty")
	flag.StringVar(&cfg.PaymentAPIURL, "p", "", "payment processor base URL")
	flag.DurationVar(&cfg.ReservationWindow, "w", defaultReservationWindow, "time a pending ticket holds its slot")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaymentAPIURL != "" {
		cfg.PaymentAPIURL = envPaymentAPIURL
	}
	if envReservationWindow != 0 {
		cfg.ReservationWindow = envReservationWindow
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	if c.ReservationWindow < time.Minute {
		return fmt.Errorf("reservation window must be at least 1m, got %s", c.ReservationWindow)
	}
	if c.SweepInterval <= 0 || c.CloseInterval <= 0 {
		return errors.New("sweep and close intervals must be positive")
	}
	if c.PaymentAPIURL != "" {
		if c.PaymentWebhookSecret == "" {
			return errors.New("PAYMENT_WEBHOOK_SECRET is required when a payment processor is configured")
		}
		if c.PaymentStoreID == "" {
			return errors.New("PAYMENT_STORE_ID is required when a payment processor is configured")
		}
	}
	return nil
}
