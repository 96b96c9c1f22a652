package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempConfig creates a configuration file with the given content and
// returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `fxflow:
  name: "testapp"
  version: "0.1"
window:
  start_date: "2021-01-01"
  end_date: "2024-12-31"
cache:
  max_age: 48h
currencies:
  - code: EUR
    name: "Euro Zone-Euro"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "testapp", cfg.Fxflow.Name)
	assert.Equal(t, 48*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Window.Start)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), cfg.Window.End)

	// Unset keys fall back to documented defaults.
	assert.Equal(t, "https://api.fiscaldata.treasury.gov/services/api/fiscal_service", cfg.API.BaseURL)
	assert.Equal(t, 10000, cfg.API.PageSize)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.API.Retry.MaxAttempts)
	require.Len(t, cfg.Currencies, 1)
	assert.Equal(t, "EUR", cfg.Currencies[0].Code)
}

func TestLoadConfigMissingDefaultPathUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "data/cache", cfg.Cache.Dir)
	assert.Len(t, cfg.Currencies, 3)
	assert.False(t, cfg.Window.End.Before(cfg.Window.Start))
}

func TestLoadConfigMissingExplicitPathFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }, ErrMissingValue},
		{"bad base url", func(c *Config) { c.API.BaseURL = "ftp://example" }, ErrInvalidValue},
		{"bad start date", func(c *Config) { c.Window.StartDate = "01/01/2020" }, ErrInvalidValue},
		{"start after end", func(c *Config) {
			c.Window.StartDate = "2025-01-01"
			c.Window.EndDate = "2020-01-01"
		}, ErrInvalidValue},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, ErrInvalidValue},
		{"zero retries", func(c *Config) { c.API.Retry.MaxAttempts = 0 }, ErrInvalidValue},
		{"zero max age", func(c *Config) { c.Cache.MaxAge = 0 }, ErrInvalidValue},
		{"bad currency code", func(c *Config) { c.Currencies[0].Code = "eur" }, ErrInvalidValue},
		{"duplicate currency", func(c *Config) { c.Currencies = append(c.Currencies, c.Currencies[0]) }, ErrInvalidValue},
		{"no currencies", func(c *Config) { c.Currencies = nil }, ErrMissingValue},
		{"s3 enabled without bucket", func(c *Config) { c.Storage.S3.Enabled = true }, ErrMissingValue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := validateConfig(&cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FXFLOW_API_BASE_URL", "https://mirror.example/fiscal")
	t.Setenv("FXFLOW_CACHE_MAX_AGE", "72h")
	t.Setenv("FXFLOW_RETRY_MAX_ATTEMPTS", "5")

	path := writeTempConfig(t, `window:
  start_date: "2020-01-01"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://mirror.example/fiscal", cfg.API.BaseURL)
	assert.Equal(t, 72*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 5, cfg.API.Retry.MaxAttempts)
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.valid, isValidS3Bucket(c.name), "bucket %q", c.name)
	}
}
