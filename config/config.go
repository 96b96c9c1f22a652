package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where LoadConfig looks when no explicit path is given. A
// missing file at the default path is not an error; the documented defaults
// apply and environment overrides are still honoured.
const DefaultPath = "config.yml"

type Config struct {
	Fxflow     FxflowConfig     `yaml:"fxflow"`
	API        APIConfig        `yaml:"api"`
	Window     WindowConfig     `yaml:"window"`
	Currencies []CurrencyConfig `yaml:"currencies"`
	Cache      CacheConfig      `yaml:"cache"`
	Output     OutputConfig     `yaml:"output"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Storage    StorageConfig    `yaml:"storage"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type FxflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	BaseURL   string          `yaml:"base_url"`
	Endpoint  string          `yaml:"endpoint"`
	PageSize  int             `yaml:"page_size"`
	Timeout   time.Duration   `yaml:"timeout"`
	UserAgent string          `yaml:"user_agent"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// WindowConfig bounds the record_date filter sent to the API. EndDate may be
// left empty to mean "today". The parsed bounds are resolved during
// validation so every component works with time.Time, not strings.
type WindowConfig struct {
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`

	Start time.Time `yaml:"-"`
	End   time.Time `yaml:"-"`
}

type CurrencyConfig struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type CacheConfig struct {
	Dir    string        `yaml:"dir"`
	MaxAge time.Duration `yaml:"max_age"`
}

type OutputConfig struct {
	Dir       string `yaml:"dir"`
	ChartsDir string `yaml:"charts_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type CloudWatchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

func defaultConfig() Config {
	return Config{
		Fxflow: FxflowConfig{
			Name:    "fxflow",
			Version: "1.0.0",
		},
		API: APIConfig{
			BaseURL:   "https://api.fiscaldata.treasury.gov/services/api/fiscal_service",
			Endpoint:  "/v1/accounting/od/rates_of_exchange",
			PageSize:  10000,
			Timeout:   30 * time.Second,
			UserAgent: "fxflow/1.0",
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2.0,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 4,
				BurstSize:         2,
			},
		},
		Window: WindowConfig{
			StartDate: "2020-01-01",
		},
		Currencies: []CurrencyConfig{
			{Code: "EUR", Name: "Euro Zone-Euro"},
			{Code: "GBP", Name: "United Kingdom-Pound"},
			{Code: "CAD", Name: "Canada-Dollar"},
		},
		Cache: CacheConfig{
			Dir: "data/cache",
			// Daily freshness check against a quarterly source: catches
			// quarter-end postings and revisions within a day.
			MaxAge: 24 * time.Hour,
		},
		Output: OutputConfig{
			Dir:       "outputs",
			ChartsDir: "outputs/charts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Address:         "0.0.0.0:8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
	}
}

// LoadConfig reads the YAML configuration at path, layers environment
// overrides on top and validates the result. The returned config is complete;
// callers never consult defaults themselves.
func LoadConfig(path string) (*Config, error) {
	explicit := path != "" && path != DefaultPath
	if path == "" {
		path = DefaultPath
	}
	path = resolveEnvSpecificPath(path, DefaultPath, map[string]string{
		EnvironmentProduction: "config.production.yml",
		EnvironmentStaging:    "config.staging.yml",
	})

	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides layers FXFLOW_* and AWS credentials from the environment
// over whatever the file provided.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FXFLOW_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FXFLOW_START_DATE"); v != "" {
		cfg.Window.StartDate = strings.TrimSpace(v)
	}
	if v := os.Getenv("FXFLOW_END_DATE"); v != "" {
		cfg.Window.EndDate = strings.TrimSpace(v)
	}
	if v := os.Getenv("FXFLOW_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = strings.TrimSpace(v)
	}
	if v := os.Getenv("FXFLOW_CACHE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			cfg.Cache.MaxAge = d
		}
	}
	if v := os.Getenv("FXFLOW_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = strings.TrimSpace(v)
	}
	if v := os.Getenv("FXFLOW_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			cfg.API.Timeout = d
		}
	}
	if v := os.Getenv("FXFLOW_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.API.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("FXFLOW_DASHBOARD_ADDRESS"); v != "" {
		cfg.Dashboard.Address = strings.TrimSpace(v)
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

var currencyCodeRegexp = regexp.MustCompile(`^[A-Z]{3}$`)

func validateConfig(cfg *Config) error {
	if cfg.Fxflow.Name == "" {
		return fmt.Errorf("%w: fxflow.name", ErrMissingValue)
	}
	if cfg.Fxflow.Version == "" {
		return fmt.Errorf("%w: fxflow.version", ErrMissingValue)
	}

	if cfg.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url", ErrMissingValue)
	}
	if !strings.HasPrefix(cfg.API.BaseURL, "http://") && !strings.HasPrefix(cfg.API.BaseURL, "https://") {
		return fmt.Errorf("%w: api.base_url %q must be an http(s) URL", ErrInvalidValue, cfg.API.BaseURL)
	}
	if cfg.API.Endpoint == "" {
		return fmt.Errorf("%w: api.endpoint", ErrMissingValue)
	}
	if cfg.API.PageSize <= 0 {
		return fmt.Errorf("%w: api.page_size must be greater than 0", ErrInvalidValue)
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be greater than 0", ErrInvalidValue)
	}
	if cfg.API.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: api.retry.max_attempts must be greater than 0", ErrInvalidValue)
	}
	if cfg.API.Retry.BaseDelay <= 0 || cfg.API.Retry.MaxDelay < cfg.API.Retry.BaseDelay {
		return fmt.Errorf("%w: api.retry delays", ErrInvalidValue)
	}
	if cfg.API.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: api.rate_limit.requests_per_second must be greater than 0", ErrInvalidValue)
	}
	if cfg.API.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("%w: api.rate_limit.burst_size must be greater than 0", ErrInvalidValue)
	}

	if cfg.Window.StartDate == "" {
		return fmt.Errorf("%w: window.start_date", ErrMissingValue)
	}
	start, err := time.Parse("2006-01-02", cfg.Window.StartDate)
	if err != nil {
		return fmt.Errorf("%w: window.start_date %q", ErrInvalidValue, cfg.Window.StartDate)
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if cfg.Window.EndDate != "" {
		end, err = time.Parse("2006-01-02", cfg.Window.EndDate)
		if err != nil {
			return fmt.Errorf("%w: window.end_date %q", ErrInvalidValue, cfg.Window.EndDate)
		}
	}
	if start.After(end) {
		return fmt.Errorf("%w: window.start_date %s is after window.end_date %s",
			ErrInvalidValue, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	cfg.Window.Start = start
	cfg.Window.End = end

	if len(cfg.Currencies) == 0 {
		return fmt.Errorf("%w: currencies", ErrMissingValue)
	}
	seen := make(map[string]struct{}, len(cfg.Currencies))
	for i, c := range cfg.Currencies {
		if !currencyCodeRegexp.MatchString(c.Code) {
			return fmt.Errorf("%w: currencies[%d].code %q must be three upper-case letters", ErrInvalidValue, i, c.Code)
		}
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: currencies[%d].name", ErrMissingValue, i)
		}
		if _, dup := seen[c.Code]; dup {
			return fmt.Errorf("%w: currencies[%d].code %q is duplicated", ErrInvalidValue, i, c.Code)
		}
		seen[c.Code] = struct{}{}
	}

	if cfg.Cache.Dir == "" {
		return fmt.Errorf("%w: cache.dir", ErrMissingValue)
	}
	if cfg.Cache.MaxAge <= 0 {
		return fmt.Errorf("%w: cache.max_age must be greater than 0", ErrInvalidValue)
	}

	if cfg.Output.Dir == "" {
		return fmt.Errorf("%w: output.dir", ErrMissingValue)
	}
	if cfg.Output.ChartsDir == "" {
		return fmt.Errorf("%w: output.charts_dir", ErrMissingValue)
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("%w: dashboard.address", ErrMissingValue)
	}

	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("%w: storage.s3.bucket is required when S3 is enabled", ErrMissingValue)
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("%w: storage.s3.region is required when S3 is enabled", ErrMissingValue)
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("%w: storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled", ErrMissingValue)
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("%w: storage.s3.bucket %q", ErrInvalidValue, cfg.Storage.S3.Bucket)
		}
	}

	if cfg.CloudWatch.Enabled && cfg.CloudWatch.Region == "" && os.Getenv("AWS_REGION") == "" {
		return fmt.Errorf("%w: cloudwatch.region is required when CloudWatch is enabled", ErrMissingValue)
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
