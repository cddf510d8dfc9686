package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "config/config.yml"
	defaultUpstream   = "https://api.exchangerate.host/timeseries"
)

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Query    QueryConfig    `yaml:"query"`
	Fallback FallbackConfig `yaml:"fallback"`
	Audit    AuditConfig    `yaml:"audit"`
	Observer ObserverConfig `yaml:"observer"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address        string        `yaml:"address"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
	RateLimit      string        `yaml:"rate_limit"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type UpstreamConfig struct {
	URL               string               `yaml:"url"`
	Base              string               `yaml:"base"`
	Token             string               `yaml:"token"`
	Timeout           time.Duration        `yaml:"timeout"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type QueryConfig struct {
	DefaultCurrencies []string `yaml:"default_currencies"`
	DefaultDays       int      `yaml:"default_days"`
}

type FallbackConfig struct {
	Days       int      `yaml:"days"`
	Currencies []string `yaml:"currencies"`
}

type AuditConfig struct {
	TracePath   string `yaml:"trace_path"`
	WebhookPath string `yaml:"webhook_path"`
}

type ObserverConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Kafka      KafkaConfig   `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Defaults returns a configuration with every optional field populated.
func Defaults() Config {
	return Config{
		App: AppConfig{Name: "ratedash", Version: "dev"},
		Server: ServerConfig{
			Address:        "0.0.0.0:8080",
			RateLimit:      "120-M",
			LogHistory:     200,
			MetricsHistory: 200,
			ShutdownGrace:  5 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:               defaultUpstream,
			Base:              "USD",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    10,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Query: QueryConfig{
			DefaultCurrencies: []string{"MXN", "EUR", "JPY", "GBP"},
			DefaultDays:       30,
		},
		Fallback: FallbackConfig{
			Days:       60,
			Currencies: []string{"MXN", "EUR", "JPY", "GBP", "CAD", "BRL", "CLP", "ARS", "COP"},
		},
		Audit: AuditConfig{
			TracePath:   "server/logs/http_trace.jsonl",
			WebhookPath: "server/logs/webhook.jsonl",
		},
		Observer: ObserverConfig{Timeout: 10 * time.Second, Kafka: KafkaConfig{Topic: "ratedash.trace"}},
		Storage: StorageConfig{S3: S3Config{
			Prefix:        "traces",
			Compression:   "snappy",
			FlushInterval: 5 * time.Minute,
		}},
		Metrics: MetricsConfig{Prometheus: true, CloudWatch: CloudWatchConfig{Namespace: "RateDash"}},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
	}
}

// LoadConfig reads the YAML file at path on top of Defaults, applies
// environment overrides and validates the result. When APP_ENV selects an
// environment with its own file and path is the default, that file is used.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	setStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}

	setStr(&config.Upstream.Token, "RATEDASH_UPSTREAM_TOKEN", "ADMIRA_TOKEN")
	setStr(&config.Upstream.URL, "RATEDASH_UPSTREAM_URL")
	setStr(&config.Observer.WebhookURL, "WEBHOOK_URL")
	setStr(&config.Server.Address, "RATEDASH_ADDRESS")
	setStr(&config.Audit.TracePath, "RATEDASH_TRACE_PATH")

	if v := strings.TrimSpace(os.Getenv("RATEDASH_TRUSTED_PROXIES")); v != "" {
		config.Server.TrustedProxies = splitList(v)
	}

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		config.Observer.Kafka.Brokers = splitList(v)
	}

	if config.Storage.S3.Enabled {
		setStr(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setStr(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setStr(&config.Storage.S3.Region, "AWS_REGION")
		setStr(&config.Storage.S3.Bucket, "S3_BUCKET")
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	for _, proxy := range cfg.Server.TrustedProxies {
		if !isIPOrCIDR(proxy) {
			return fmt.Errorf("server.trusted_proxies entry '%s' is not an IP or CIDR", proxy)
		}
	}

	if _, err := url.ParseRequestURI(cfg.Upstream.URL); err != nil {
		return fmt.Errorf("upstream.url '%s' is invalid: %w", cfg.Upstream.URL, err)
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be greater than 0")
	}
	if cfg.Upstream.RequestsPerSecond <= 0 {
		return fmt.Errorf("upstream.requests_per_second must be greater than 0")
	}
	if cfg.Upstream.Burst <= 0 {
		return fmt.Errorf("upstream.burst must be greater than 0")
	}

	if cfg.Query.DefaultDays <= 0 {
		return fmt.Errorf("query.default_days must be greater than 0")
	}
	if len(cfg.Query.DefaultCurrencies) == 0 {
		return fmt.Errorf("query.default_currencies must not be empty")
	}
	if cfg.Fallback.Days <= 0 {
		return fmt.Errorf("fallback.days must be greater than 0")
	}
	if len(cfg.Fallback.Currencies) == 0 {
		return fmt.Errorf("fallback.currencies must not be empty")
	}

	if cfg.Audit.TracePath == "" {
		return fmt.Errorf("audit.trace_path is required")
	}
	if cfg.Audit.WebhookPath == "" {
		return fmt.Errorf("audit.webhook_path is required")
	}

	if cfg.Observer.WebhookURL != "" {
		if _, err := url.ParseRequestURI(cfg.Observer.WebhookURL); err != nil {
			return fmt.Errorf("observer.webhook_url '%s' is invalid: %w", cfg.Observer.WebhookURL, err)
		}
	}
	if len(cfg.Observer.Kafka.Brokers) > 0 && cfg.Observer.Kafka.Topic == "" {
		return fmt.Errorf("observer.kafka.topic is required when brokers are set")
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
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
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

func isIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
