package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/fadedwax/settlement-engine/internal/fees"
	"github.com/fadedwax/settlement-engine/internal/money"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MigrationsPath  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type StripeConfig struct {
	SecretKey string
}

type PayPalConfig struct {
	ClientID string
	Secret   string
	BaseURL  string
}

type Config struct {
	App struct {
		Port     string
		Currency string
	}
	Postgres PostgresConfig
	Fees     fees.Rates
	// PayPalFeeRate is the batch-payout rail's deduction, taken out of
	// the transfer rather than added on top. Provider fees vary by
	// destination, so this is configurable, not a constant.
	PayPalFeeRate float64
	Stripe        StripeConfig
	PayPal        PayPalConfig
	RailTimeout   time.Duration
}

// Load reads configuration from the environment, optionally seeding it
// from a .env file first. Fee rates are validated here so a broken fee
// configuration fails at startup instead of silently skipping fees.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	cfg.App.Port = envOr("APP_PORT", "8080")
	cfg.App.Currency = envOr("FW_CURRENCY", "GBP")

	var err error
	if cfg.Postgres, err = loadPostgres(); err != nil {
		return nil, err
	}

	if cfg.Fees.PlatformRate, err = envFloat("FW_PLATFORM_FEE_RATE", 0.01); err != nil {
		return nil, err
	}
	if cfg.Fees.ProcessorRate, err = envFloat("FW_PROCESSOR_FEE_RATE", 0.029); err != nil {
		return nil, err
	}
	fixed, err := envFloat("FW_PROCESSOR_FIXED_FEE_PENCE", 30)
	if err != nil {
		return nil, err
	}
	cfg.Fees.ProcessorFixed = money.Pence(fixed)
	if err := cfg.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.PayPalFeeRate, err = envFloat("FW_PAYPAL_FEE_RATE", 0.02); err != nil {
		return nil, err
	}
	if cfg.PayPalFeeRate < 0 || cfg.PayPalFeeRate >= 1 {
		return nil, fmt.Errorf("%w: FW_PAYPAL_FEE_RATE %v must be in [0, 1)", ErrInvalidConfig, cfg.PayPalFeeRate)
	}

	cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.PayPal.ClientID = os.Getenv("PAYPAL_CLIENT_ID")
	cfg.PayPal.Secret = os.Getenv("PAYPAL_SECRET")
	cfg.PayPal.BaseURL = envOr("PAYPAL_BASE_URL", "https://api-m.paypal.com")

	timeoutSec, err := envFloat("FW_RAIL_TIMEOUT_SECONDS", 15)
	if err != nil {
		return nil, err
	}
	cfg.RailTimeout = time.Duration(timeoutSec * float64(time.Second))

	return cfg, nil
}

func loadPostgres() (PostgresConfig, error) {
	pg := PostgresConfig{
		Host:            os.Getenv("DB_HOST"),
		Port:            envOr("DB_PORT", "5432"),
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		DBName:          os.Getenv("DB_NAME"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MigrationsPath:  envOr("DB_MIGRATIONS_PATH", "migrations"),
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
	}
	for name, value := range map[string]string{
		"DB_HOST": pg.Host,
		"DB_USER": pg.User,
		"DB_NAME": pg.DBName,
	} {
		if value == "" {
			return PostgresConfig{}, fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
		}
	}
	return pg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be numeric, got %q", ErrInvalidConfig, key, raw)
	}
	return v, nil
}
