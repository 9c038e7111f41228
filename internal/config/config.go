// Package config resolves runtime configuration in priority order:
// defaults -> .env -> YAML file -> environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string

	StoreDriver string // memory | postgres
	DatabaseURL string
	RedisURL    string

	KafkaBrokers      []string
	EventsTopic       string // empty publishes each event to its own topic
	NotificationTopic string

	JWTSecret string

	PaymentProcessor string // sandbox

	PlatformFeePercentage decimal.Decimal
	ForfeitUnit           decimal.Decimal
	RejectIntentTTL       time.Duration
	SweepInterval         time.Duration

	LogLevel  string
	LogFormat string
}

// configFile mirrors the YAML schema.
type configFile struct {
	Server struct {
		HTTPAddr  string `yaml:"http_addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Dependencies struct {
		Store        string   `yaml:"store"`
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		Payments     string   `yaml:"payment_processor"`
	} `yaml:"dependencies"`
	Topics struct {
		Events        string `yaml:"events"`
		Notifications string `yaml:"notifications"`
	} `yaml:"topics"`
	Escrow struct {
		PlatformFeePercentage string `yaml:"platform_fee_percentage"`
		ForfeitUnit           string `yaml:"forfeit_unit"`
		RejectIntentTTL       string `yaml:"reject_intent_ttl"`
		SweepInterval         string `yaml:"sweep_interval"`
	} `yaml:"escrow"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTPAddr:              ":8080",
		StoreDriver:           "memory",
		NotificationTopic:     "notifications",
		JWTSecret:             "change-me",
		PaymentProcessor:      "sandbox",
		PlatformFeePercentage: decimal.NewFromInt(30),
		ForfeitUnit:           decimal.NewFromInt(10),
		RejectIntentTTL:       5 * time.Minute,
		SweepInterval:         time.Minute,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load resolves the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var file configFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		if err := cfg.applyFile(file); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyFile(f configFile) error {
	setString(&c.HTTPAddr, f.Server.HTTPAddr)
	setString(&c.JWTSecret, f.Server.JWTSecret)
	setString(&c.StoreDriver, f.Dependencies.Store)
	setString(&c.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&c.PaymentProcessor, f.Dependencies.Payments)
	setString(&c.EventsTopic, f.Topics.Events)
	setString(&c.NotificationTopic, f.Topics.Notifications)
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	return c.applyTunables(
		f.Escrow.PlatformFeePercentage,
		f.Escrow.ForfeitUnit,
		f.Escrow.RejectIntentTTL,
		f.Escrow.SweepInterval,
	)
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, os.Getenv("LEDGER_HTTP_ADDR"))
	setString(&c.JWTSecret, os.Getenv("LEDGER_JWT_SECRET"))
	setString(&c.StoreDriver, os.Getenv("LEDGER_STORE"))
	setString(&c.DatabaseURL, os.Getenv("LEDGER_DATABASE_URL"))
	setString(&c.RedisURL, os.Getenv("LEDGER_REDIS_URL"))
	if brokers := strings.TrimSpace(os.Getenv("LEDGER_KAFKA_BROKERS")); brokers != "" {
		c.KafkaBrokers = splitCSV(brokers)
	}
	setString(&c.PaymentProcessor, os.Getenv("LEDGER_PAYMENT_PROCESSOR"))
	setString(&c.EventsTopic, os.Getenv("LEDGER_EVENTS_TOPIC"))
	setString(&c.NotificationTopic, os.Getenv("LEDGER_NOTIFICATION_TOPIC"))
	setString(&c.LogLevel, os.Getenv("LEDGER_LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("LEDGER_LOG_FORMAT"))
	return c.applyTunables(
		os.Getenv("LEDGER_PLATFORM_FEE_PERCENTAGE"),
		os.Getenv("LEDGER_FORFEIT_UNIT"),
		os.Getenv("LEDGER_REJECT_INTENT_TTL"),
		os.Getenv("LEDGER_SWEEP_INTERVAL"),
	)
}

func (c *Config) applyTunables(feePct, forfeitUnit, intentTTL, sweep string) error {
	if err := setDecimal(&c.PlatformFeePercentage, feePct); err != nil {
		return fmt.Errorf("platform_fee_percentage: %w", err)
	}
	if err := setDecimal(&c.ForfeitUnit, forfeitUnit); err != nil {
		return fmt.Errorf("forfeit_unit: %w", err)
	}
	if err := setDuration(&c.RejectIntentTTL, intentTTL); err != nil {
		return fmt.Errorf("reject_intent_ttl: %w", err)
	}
	if err := setDuration(&c.SweepInterval, sweep); err != nil {
		return fmt.Errorf("sweep_interval: %w", err)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("postgres store requires a database url")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.PaymentProcessor != "sandbox" {
		return fmt.Errorf("unknown payment processor %q", c.PaymentProcessor)
	}
	if c.PlatformFeePercentage.IsNegative() || c.PlatformFeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("platform fee percentage must be within [0, 100]")
	}
	if !c.ForfeitUnit.IsPositive() {
		return errors.New("forfeit unit must be positive")
	}
	if c.RejectIntentTTL <= 0 || c.SweepInterval <= 0 {
		return errors.New("durations must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDecimal(dst *decimal.Decimal, v string) error {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
