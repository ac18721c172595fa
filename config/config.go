package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
)

type Config struct {
	Gateway     GatewayConfig      `yaml:"gateway"`
	Venues      VenuesConfig       `yaml:"venues"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Realtime    RealtimeConfig     `yaml:"realtime"`
	Dashboard   DashboardConfig    `yaml:"dashboard"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Archive     ArchiveConfig      `yaml:"archive"`
	Logging     LoggingConfig      `yaml:"logging"`
}

type GatewayConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Source is the fixed identity sent to venues and reported by the health endpoint.
	Source string `yaml:"source"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
}

type VenueConfig struct {
	BaseURL        string               `yaml:"base_url"`
	SandboxURL     string               `yaml:"sandbox_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	RecvWindow     time.Duration        `yaml:"recv_window"`
	LocalIP        string               `yaml:"local_ip"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type CredentialConfig struct {
	Venue     string `yaml:"venue"`
	AccountID string `yaml:"account_id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Sandbox   bool   `yaml:"sandbox"`
}

type MonitorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Concurrent bool          `yaml:"concurrent"`
}

type RealtimeConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	// Channels are subscribed on every connection.
	Channels []string `yaml:"channels"`
	// PublishHealth pushes each monitoring report to FeedRoom.
	PublishHealth bool   `yaml:"publish_health"`
	FeedRoom      string `yaml:"feed_room"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
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

type ArchiveConfig struct {
	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	// Format is "json" (one object per report) or "parquet" (one row per venue).
	Format          string `yaml:"format"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// venueSecrets is the per-venue credential overlay read from the environment,
// e.g. TRADEGATE_BINANCE_API_KEY.
type venueSecrets struct {
	APIKey    string `split_words:"true"`
	APISecret string `split_words:"true"`
	AccountID string `split_words:"true" default:"default"`
	Sandbox   bool
}

func defaults() Config {
	venue := VenueConfig{
		Timeout:    10 * time.Second,
		RecvWindow: 5 * time.Second,
		RateLimit:  RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
		ConnectionPool: ConnectionPoolConfig{
			MaxIdleConns:    10,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
	}
	return Config{
		Gateway: GatewayConfig{Source: "tradegate"},
		Venues:  VenuesConfig{Binance: venue, Bybit: venue},
		Monitor: MonitorConfig{Enabled: true, Interval: 5 * time.Minute, Concurrent: true},
		Realtime: RealtimeConfig{
			ReconnectInterval:    3 * time.Second,
			MaxReconnectAttempts: 5,
			HandshakeTimeout:     15 * time.Second,
			PingInterval:         20 * time.Second,
		},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080", LogHistory: 200, MetricsHistory: 200},
		Archive: ArchiveConfig{
			Redis: RedisConfig{Key: "tradegate:health:latest", TTL: 15 * time.Minute},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(&config, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	for _, venue := range []string{VenueBinance, VenueBybit} {
		var s venueSecrets
		if err := envconfig.Process("TRADEGATE_"+strings.ToUpper(venue), &s); err != nil {
			return err
		}
		if s.APIKey == "" && s.APISecret == "" {
			continue
		}
		cfg.upsertCredential(CredentialConfig{
			Venue:     venue,
			AccountID: s.AccountID,
			APIKey:    strings.TrimSpace(s.APIKey),
			APISecret: strings.TrimSpace(s.APISecret),
			Sandbox:   s.Sandbox,
		})
	}

	if v := os.Getenv("TRADEGATE_REALTIME_URL"); v != "" {
		cfg.Realtime.URL = strings.TrimSpace(v)
	}

	if cfg.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
	}
	return nil
}

// upsertCredential replaces the credential for the same venue and account, or appends it.
func (c *Config) upsertCredential(cred CredentialConfig) {
	for i, existing := range c.Credentials {
		if strings.EqualFold(existing.Venue, cred.Venue) && existing.AccountID == cred.AccountID {
			c.Credentials[i] = cred
			return
		}
	}
	c.Credentials = append(c.Credentials, cred)
}

// Venue returns the settings for the named venue.
func (c *Config) Venue(name string) (VenueConfig, bool) {
	switch strings.ToLower(name) {
	case VenueBinance:
		return c.Venues.Binance, true
	case VenueBybit:
		return c.Venues.Bybit, true
	default:
		return VenueConfig{}, false
	}
}

// LiveCredentials lists the credentials that point at production venues.
func (c *Config) LiveCredentials() []CredentialConfig {
	var live []CredentialConfig
	for _, cred := range c.Credentials {
		if !cred.Sandbox {
			live = append(live, cred)
		}
	}
	return live
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}
	if cfg.Gateway.Source == "" {
		return fmt.Errorf("gateway.source is required")
	}

	for _, name := range []string{VenueBinance, VenueBybit} {
		venue, _ := cfg.Venue(name)
		if venue.Timeout <= 0 {
			return fmt.Errorf("venues.%s.timeout must be greater than 0", name)
		}
		if venue.RecvWindow < 0 {
			return fmt.Errorf("venues.%s.recv_window must not be negative", name)
		}
		if venue.LocalIP != "" && net.ParseIP(venue.LocalIP) == nil {
			return fmt.Errorf("venues.%s.local_ip '%s' is not an IP address", name, venue.LocalIP)
		}
		for field, raw := range map[string]string{"base_url": venue.BaseURL, "sandbox_url": venue.SandboxURL} {
			if raw == "" {
				continue
			}
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("venues.%s.%s '%s' is not an absolute URL", name, field, raw)
			}
		}
	}

	for i, cred := range cfg.Credentials {
		if _, ok := cfg.Venue(cred.Venue); !ok {
			return fmt.Errorf("credentials[%d].venue '%s' is not supported", i, cred.Venue)
		}
		if cred.APIKey == "" || cred.APISecret == "" {
			return fmt.Errorf("credentials[%d].api_key and api_secret are required", i)
		}
		if cred.Sandbox && IsProductionLike(env) {
			return fmt.Errorf("credentials[%d] is a sandbox credential in %s", i, env)
		}
	}

	if cfg.Monitor.Enabled && cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than 0")
	}

	if cfg.Realtime.URL != "" {
		u, err := url.Parse(cfg.Realtime.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("realtime.url '%s' must be a ws:// or wss:// URL", cfg.Realtime.URL)
		}
	}
	if cfg.Realtime.ReconnectInterval <= 0 {
		return fmt.Errorf("realtime.reconnect_interval must be greater than 0")
	}
	if cfg.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must not be negative")
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when S3 is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when S3 is enabled")
		}
		switch cfg.Archive.S3.Format {
		case "", "json", "parquet":
		default:
			return fmt.Errorf("archive.s3.format '%s' must be json or parquet", cfg.Archive.S3.Format)
		}
	}
	if cfg.Archive.Redis.Enabled && cfg.Archive.Redis.Addr == "" {
		return fmt.Errorf("archive.redis.addr is required when Redis is enabled")
	}

	return nil
}
