// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/carepoint/billing-engine/internal/domain/billing"
)

// Config holds configuration shared by every binary
type Config struct {
	Port           string  `mapstructure:"PORT"`
	DatabaseURL    string  `mapstructure:"DATABASE_URL"`
	RedisURL       string  `mapstructure:"REDIS_URL"`
	KafkaBrokers   string  `mapstructure:"KAFKA_BROKERS"`
	LogLevel       string  `mapstructure:"LOG_LEVEL"`
	LogFormat      string  `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint   string  `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	APIKeysRaw     string  `mapstructure:"API_KEYS"`
	RateLimitRPS   int     `mapstructure:"RATE_LIMIT_RPS"`
	Workers        int     `mapstructure:"WORKERS"`
	Currency       string  `mapstructure:"CURRENCY"`
	SampleRatio    float64 `mapstructure:"TRACE_SAMPLE_RATIO"`

	// Adjudication thresholds, as decimal strings
	HospitalCeiling    string `mapstructure:"HOSPITAL_CEILING"`
	HighValueThreshold string `mapstructure:"HIGH_VALUE_THRESHOLD"`
	FraudFloor         string `mapstructure:"FRAUD_FLOOR"`
	FraudRoundingUnit  string `mapstructure:"FRAUD_ROUNDING_UNIT"`
	CarryCoverage      bool   `mapstructure:"CARRY_COVERAGE"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS",
	"LOG_LEVEL", "LOG_FORMAT", "OTLP_ENDPOINT", "TRACING_ENABLED", "TRACE_SAMPLE_RATIO",
	"API_KEYS", "RATE_LIMIT_RPS", "WORKERS", "CURRENCY",
	"HOSPITAL_CEILING", "HIGH_VALUE_THRESHOLD", "FRAUD_FLOOR", "FRAUD_ROUNDING_UNIT", "CARRY_COVERAGE",
}

// Load reads configuration from the environment. CONFIG_FILE may name a
// .env or YAML file; environment variables win over it.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	def := billing.DefaultThresholds()
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("WORKERS", 16)
	v.SetDefault("CURRENCY", "USD")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("HOSPITAL_CEILING", def.HospitalCeiling.String())
	v.SetDefault("HIGH_VALUE_THRESHOLD", def.HighValueThreshold.String())
	v.SetDefault("FRAUD_FLOOR", def.FraudFloor.String())
	v.SetDefault("FRAUD_ROUNDING_UNIT", def.FraudRoundingUnit.String())
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	_ = v.BindEnv("CONFIG_FILE")

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that viper cannot type-check
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %d", c.RateLimitRPS))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if _, err := c.parseAPIKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.thresholds(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Thresholds converts the adjudication settings. Call after Validate.
func (c *Config) Thresholds() billing.Thresholds {
	t, err := c.thresholds()
	if err != nil {
		return billing.DefaultThresholds()
	}
	return t
}

func (c *Config) thresholds() (billing.Thresholds, error) {
	var t billing.Thresholds
	fields := []struct {
		key string
		raw string
		dst *decimal.Decimal
	}{
		{"HOSPITAL_CEILING", c.HospitalCeiling, &t.HospitalCeiling},
		{"HIGH_VALUE_THRESHOLD", c.HighValueThreshold, &t.HighValueThreshold},
		{"FRAUD_FLOOR", c.FraudFloor, &t.FraudFloor},
		{"FRAUD_ROUNDING_UNIT", c.FraudRoundingUnit, &t.FraudRoundingUnit},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return t, fmt.Errorf("%s: %w", f.key, err)
		}
		if d.IsNegative() {
			return t, fmt.Errorf("%s must not be negative", f.key)
		}
		*f.dst = d
	}
	if t.HighValueThreshold.LessThan(t.HospitalCeiling) {
		return t, errors.New("HIGH_VALUE_THRESHOLD must not be below HOSPITAL_CEILING")
	}
	t.CarryCoverage = c.CarryCoverage
	return t, nil
}

// APIKeys parses API_KEYS ("key:client,key2:client2"). Empty disables auth.
func (c *Config) APIKeys() map[string]string {
	keys, _ := c.parseAPIKeys()
	return keys
}

func (c *Config) parseAPIKeys() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.APIKeysRaw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}

// Brokers splits KAFKA_BROKERS
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
