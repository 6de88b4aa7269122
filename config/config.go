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

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Source      SourceConfig      `yaml:"source"`
	Validation  ValidationConfig  `yaml:"validation"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Stats       StatsConfig       `yaml:"stats"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ListenAddr string           `yaml:"listen_addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	MarkPrice MarkPriceStreamConfig `yaml:"mark_price"`
	Rest      RestConfig            `yaml:"rest"`
}

// MarkPriceStreamConfig describes the push feed delivering mark-price/funding-rate arrays.
type MarkPriceStreamConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

type RestConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Warmup  bool          `yaml:"warmup"`
}

type ValidationConfig struct {
	QuoteSuffix       string  `yaml:"quote_suffix"`
	MaxAbsFundingRate float64 `yaml:"max_abs_funding_rate"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
}

type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
	Path     string        `yaml:"path"`
	Timeout  time.Duration `yaml:"timeout"`
}

type StatsConfig struct {
	HighRateThreshold float64 `yaml:"high_rate_threshold"`
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
	Archive         bool   `yaml:"archive"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration every file is layered on top of.
func Default() Config {
	return Config{
		Channels: ChannelsConfig{RawBuffer: 1024},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				MarkPrice: MarkPriceStreamConfig{
					URL:              "wss://fstream.binance.com/ws/!markPrice@arr@1s",
					HandshakeTimeout: 10 * time.Second,
					ReadTimeout:      60 * time.Second,
				},
				Rest: RestConfig{
					URL:     "https://fapi.binance.com",
					Timeout: 10 * time.Second,
					Warmup:  true,
				},
			},
		},
		Validation: ValidationConfig{
			QuoteSuffix:       "USDT",
			MaxAbsFundingRate: 0.1,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Factor:      2,
		},
		Snapshot: SnapshotConfig{
			Interval: 60 * time.Second,
			Path:     "data/funding_rates.json",
			Timeout:  10 * time.Second,
		},
		Stats: StatsConfig{HighRateThreshold: 0.001},
		Storage: StorageConfig{
			S3: S3Config{Prefix: "fundingflow", Compression: "snappy"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Validation.QuoteSuffix = strings.ToUpper(strings.TrimSpace(config.Validation.QuoteSuffix))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := lookupEnv("FUNDING_FEED_URL"); v != "" {
		cfg.Source.Binance.MarkPrice.URL = v
	}
	if v := lookupEnv("FUNDING_QUOTE_SUFFIX"); v != "" {
		cfg.Validation.QuoteSuffix = v
	}
	if v := lookupEnv("FUNDING_MAX_ABS_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FUNDING_MAX_ABS_RATE: %w", err)
		}
		cfg.Validation.MaxAbsFundingRate = f
	}
	if v := lookupEnv("FUNDING_HIGH_RATE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FUNDING_HIGH_RATE_THRESHOLD: %w", err)
		}
		cfg.Stats.HighRateThreshold = f
	}
	if v := lookupEnv("FUNDING_MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FUNDING_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.Reconnect.MaxAttempts = n
	}
	if v := lookupEnv("FUNDING_RECONNECT_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FUNDING_RECONNECT_BASE_DELAY: %w", err)
		}
		cfg.Reconnect.BaseDelay = d
	}
	if v := lookupEnv("FUNDING_RECONNECT_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FUNDING_RECONNECT_MAX_DELAY: %w", err)
		}
		cfg.Reconnect.MaxDelay = d
	}
	if v := lookupEnv("FUNDING_SNAPSHOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FUNDING_SNAPSHOT_INTERVAL: %w", err)
		}
		cfg.Snapshot.Interval = d
	}
	if v := lookupEnv("FUNDING_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := lookupEnv("FUNDING_WARMUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FUNDING_WARMUP: %w", err)
		}
		cfg.Source.Binance.Rest.Warmup = b
	}
	if v := lookupEnv("METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}

	// Override S3 settings from environment variables if available
	if cfg.Storage.S3.Enabled {
		if v := lookupEnv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = v
		}
		if v := lookupEnv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = v
		}
		if v := lookupEnv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = v
		}
		if v := lookupEnv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = v
		}
	}
	return nil
}

func lookupEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}

	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if cfg.Source.Binance.MarkPrice.URL == "" {
		return fmt.Errorf("source.binance.mark_price.url is required")
	}
	if cfg.Source.Binance.MarkPrice.HandshakeTimeout <= 0 {
		return fmt.Errorf("source.binance.mark_price.handshake_timeout must be greater than 0")
	}
	if cfg.Source.Binance.MarkPrice.ReadTimeout <= 0 {
		return fmt.Errorf("source.binance.mark_price.read_timeout must be greater than 0")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Validation.QuoteSuffix == "" {
		return fmt.Errorf("validation.quote_suffix is required")
	}
	if cfg.Validation.MaxAbsFundingRate <= 0 {
		return fmt.Errorf("validation.max_abs_funding_rate must be greater than 0")
	}

	if cfg.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if cfg.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1")
	}

	if cfg.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be greater than 0")
	}
	if cfg.Snapshot.Timeout <= 0 {
		return fmt.Errorf("snapshot.timeout must be greater than 0")
	}
	if strings.TrimSpace(cfg.Snapshot.Path) == "" {
		return fmt.Errorf("snapshot.path is required")
	}

	if cfg.Stats.HighRateThreshold < 0 {
		return fmt.Errorf("stats.high_rate_threshold must not be negative")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
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
