package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the configuration file leaves them unset. The
// fetch defaults mirror the public Messari assets listing: 500 assets per
// page, seven pages fetched per concurrent window.
const (
	DefaultBaseURL      = "https://data.messari.io/api/v2/assets"
	DefaultFields       = "id,slug,symbol,name,metrics/market_data/price_usd,metrics/marketcap/rank"
	DefaultPageLimit    = 500
	DefaultPageWorkers  = 7
	DefaultSnapshotPath = "cryptocurrencies.csv"
)

type Config struct {
	Messariflow MessariflowConfig `yaml:"messariflow"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Writer      WriterConfig      `yaml:"writer"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type MessariflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	ProcessedBuffer int `yaml:"processed_buffer"`
}

type FetcherConfig struct {
	BaseURL         string               `yaml:"base_url"`
	Fields          string               `yaml:"fields"`
	PageLimit       int                  `yaml:"page_limit"`
	PageWorkers     int                  `yaml:"page_workers"`
	MaxPages        int                  `yaml:"max_pages"`
	IntervalMinutes int                  `yaml:"interval_minutes"`
	Timeout         time.Duration        `yaml:"timeout"`
	UserAgent       string               `yaml:"user_agent"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	Retry           RetryConfig          `yaml:"retry"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ProcessorConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type WriterConfig struct {
	SnapshotPath  string        `yaml:"snapshot_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Format          string `yaml:"format"`
	Compression     string `yaml:"compression"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the YAML configuration from path, applies defaults and
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Messariflow.Name == "" {
		c.Messariflow.Name = "messariflow"
	}
	if c.Channels.RawBuffer <= 0 {
		c.Channels.RawBuffer = 64
	}
	if c.Channels.ProcessedBuffer <= 0 {
		c.Channels.ProcessedBuffer = 64
	}
	if c.Fetcher.BaseURL == "" {
		c.Fetcher.BaseURL = DefaultBaseURL
	}
	if c.Fetcher.Fields == "" {
		c.Fetcher.Fields = DefaultFields
	}
	if c.Fetcher.PageLimit <= 0 {
		c.Fetcher.PageLimit = DefaultPageLimit
	}
	if c.Fetcher.PageWorkers <= 0 {
		c.Fetcher.PageWorkers = DefaultPageWorkers
	}
	if c.Fetcher.Timeout <= 0 {
		c.Fetcher.Timeout = 30 * time.Second
	}
	if c.Fetcher.RateLimit.RequestsPerSecond <= 0 {
		c.Fetcher.RateLimit.RequestsPerSecond = 10
	}
	if c.Fetcher.RateLimit.BurstSize <= 0 {
		c.Fetcher.RateLimit.BurstSize = c.Fetcher.PageWorkers
	}
	if c.Fetcher.Retry.MaxAttempts <= 0 {
		c.Fetcher.Retry.MaxAttempts = 3
	}
	if c.Fetcher.Retry.BaseDelay <= 0 {
		c.Fetcher.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Fetcher.Retry.MaxDelay <= 0 {
		c.Fetcher.Retry.MaxDelay = 10 * time.Second
	}
	if c.Fetcher.Retry.BackoffMultiplier <= 0 {
		c.Fetcher.Retry.BackoffMultiplier = 2
	}
	if c.Fetcher.ConnectionPool.MaxIdleConns <= 0 {
		c.Fetcher.ConnectionPool.MaxIdleConns = c.Fetcher.PageWorkers
	}
	if c.Fetcher.ConnectionPool.MaxConnsPerHost <= 0 {
		c.Fetcher.ConnectionPool.MaxConnsPerHost = c.Fetcher.PageWorkers
	}
	if c.Fetcher.ConnectionPool.IdleConnTimeout <= 0 {
		c.Fetcher.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if c.Processor.MaxWorkers <= 0 {
		c.Processor.MaxWorkers = 2
	}
	if c.Writer.SnapshotPath == "" {
		c.Writer.SnapshotPath = DefaultSnapshotPath
	}
	if c.Writer.FlushInterval <= 0 {
		c.Writer.FlushInterval = 15 * time.Second
	}
	if c.Storage.S3.Format == "" {
		c.Storage.S3.Format = "parquet"
	}
	if c.Storage.S3.Compression == "" {
		c.Storage.S3.Compression = "snappy"
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = ":8080"
	}
	if c.Dashboard.RefreshInterval <= 0 {
		c.Dashboard.RefreshInterval = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// applyEnvOverrides pulls secrets from the environment so they never need to
// live in the configuration file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && c.Storage.S3.AccessKeyID == "" {
		c.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && c.Storage.S3.SecretAccessKey == "" {
		c.Storage.S3.SecretAccessKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" && c.Storage.S3.Bucket == "" {
		c.Storage.S3.Bucket = v
	}
}

var s3BucketRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// isValidS3Bucket checks a bucket name against the subset of the S3 naming
// rules that matter here: lowercase, 3-63 chars, no consecutive dots.
func isValidS3Bucket(name string) bool {
	if !s3BucketRe.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..")
}

// Validate rejects configurations the pipeline cannot run with. Storage
// checks are stricter in production-like environments.
func (c *Config) Validate() error {
	if c.Fetcher.MaxPages < 0 {
		return fmt.Errorf("fetcher.max_pages must not be negative")
	}
	if c.Fetcher.IntervalMinutes < 0 {
		return fmt.Errorf("fetcher.interval_minutes must not be negative")
	}
	if c.Storage.S3.Enabled {
		if !isValidS3Bucket(c.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is not a valid bucket name", c.Storage.S3.Bucket)
		}
		switch c.Storage.S3.Format {
		case "parquet", "csv":
		default:
			return fmt.Errorf("storage.s3.format '%s' is not supported", c.Storage.S3.Format)
		}
		if IsProductionLike(AppEnvironment()) && c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required in %s", AppEnvironment())
		}
	}
	return nil
}
