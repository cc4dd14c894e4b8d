package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.Empty(t, cfg.APIKeys())

	th := cfg.Thresholds()
	assert.True(t, th.HospitalCeiling.Equal(decimal.NewFromInt(1000)))
	assert.True(t, th.HighValueThreshold.Equal(decimal.NewFromInt(5000)))
	assert.True(t, th.FraudFloor.Equal(decimal.NewFromInt(10000)))
	assert.False(t, th.CarryCoverage)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("API_KEYS", "k1:front-desk, k2:claims")
	t.Setenv("HOSPITAL_CEILING", "2500.50")
	t.Setenv("CARRY_COVERAGE", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, map[string]string{"k1": "front-desk", "k2": "claims"}, cfg.APIKeys())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	th := cfg.Thresholds()
	assert.True(t, th.HospitalCeiling.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, th.CarryCoverage)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("WORKERS: 4\nFRAUD_FLOOR: \"20000\"\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Thresholds().FraudFloor.Equal(decimal.NewFromInt(20000)))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port: "8080", Workers: 1, LogFormat: "json",
			HospitalCeiling: "1000", HighValueThreshold: "5000",
			FraudFloor: "10000", FraudRoundingUnit: "1000",
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"bad api key", func(c *Config) { c.APIKeysRaw = "nocolon" }, "API_KEYS"},
		{"bad decimal", func(c *Config) { c.FraudFloor = "ten" }, "FRAUD_FLOOR"},
		{"negative", func(c *Config) { c.FraudRoundingUnit = "-1" }, "FRAUD_ROUNDING_UNIT"},
		{"inverted", func(c *Config) { c.HighValueThreshold = "500" }, "HIGH_VALUE_THRESHOLD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
