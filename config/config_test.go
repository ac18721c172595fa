package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `gateway:
  name: "TestGateway"
  version: "1.0"
  source: "railway-test"
venues:
  binance:
    timeout: 2s
  bybit:
    timeout: 3s
    recv_window: 10s
credentials:
  - venue: binance
    account_id: acc-1
    api_key: key-1
    api_secret: secret-1
    sandbox: true
realtime:
  url: "ws://localhost:9000/ws"
`

// writeTempConfig creates a configuration file with content and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func clearVenueEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TRADEGATE_BINANCE_API_KEY", "TRADEGATE_BINANCE_API_SECRET", "TRADEGATE_BINANCE_ACCOUNT_ID", "TRADEGATE_BINANCE_SANDBOX",
		"TRADEGATE_BYBIT_API_KEY", "TRADEGATE_BYBIT_API_SECRET", "TRADEGATE_BYBIT_ACCOUNT_ID", "TRADEGATE_BYBIT_SANDBOX",
		"TRADEGATE_REALTIME_URL", "APP_ENV",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfig(t *testing.T) {
	clearVenueEnv(t)
	cfg, err := LoadConfig(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.Name != "TestGateway" {
		t.Errorf("unexpected name: %s", cfg.Gateway.Name)
	}
	if cfg.Venues.Binance.Timeout != 2*time.Second {
		t.Errorf("unexpected binance timeout: %s", cfg.Venues.Binance.Timeout)
	}
	if cfg.Venues.Bybit.RecvWindow != 10*time.Second {
		t.Errorf("unexpected bybit recv window: %s", cfg.Venues.Bybit.RecvWindow)
	}
	// defaults survive partial YAML
	if cfg.Venues.Binance.RecvWindow != 5*time.Second {
		t.Errorf("expected default recv window, got %s", cfg.Venues.Binance.RecvWindow)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("expected default max reconnect attempts, got %d", cfg.Realtime.MaxReconnectAttempts)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].AccountID != "acc-1" {
		t.Errorf("unexpected credentials: %+v", cfg.Credentials)
	}
}

func TestLoadConfigEnvCredentialOverlay(t *testing.T) {
	clearVenueEnv(t)
	t.Setenv("TRADEGATE_BYBIT_API_KEY", "env-key")
	t.Setenv("TRADEGATE_BYBIT_API_SECRET", "env-secret")
	t.Setenv("TRADEGATE_BYBIT_SANDBOX", "true")

	cfg, err := LoadConfig(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Credentials) != 2 {
		t.Fatalf("expected env credential to be appended, got %+v", cfg.Credentials)
	}
	got := cfg.Credentials[1]
	if got.Venue != VenueBybit || got.APIKey != "env-key" || got.AccountID != "default" || !got.Sandbox {
		t.Fatalf("unexpected env credential: %+v", got)
	}
}

func TestLoadConfigRejectsSandboxInProduction(t *testing.T) {
	clearVenueEnv(t)
	t.Setenv("APP_ENV", "prod")

	if _, err := LoadConfig(writeTempConfig(t, minimalYAML)); err == nil {
		t.Fatalf("expected sandbox credential to be rejected in production")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"missing name", func(c *Config) { c.Gateway.Name = "" }, false},
		{"zero timeout", func(c *Config) { c.Venues.Bybit.Timeout = 0 }, false},
		{"bad local ip", func(c *Config) { c.Venues.Binance.LocalIP = "not-an-ip" }, false},
		{"relative base url", func(c *Config) { c.Venues.Binance.BaseURL = "/fapi" }, false},
		{"unknown venue", func(c *Config) {
			c.Credentials = []CredentialConfig{{Venue: "kraken", APIKey: "k", APISecret: "s"}}
		}, false},
		{"missing secret", func(c *Config) {
			c.Credentials = []CredentialConfig{{Venue: "binance", APIKey: "k"}}
		}, false},
		{"http realtime url", func(c *Config) { c.Realtime.URL = "http://example.com" }, false},
		{"s3 without bucket", func(c *Config) { c.Archive.S3.Enabled = true }, false},
		{"redis without addr", func(c *Config) { c.Archive.Redis.Enabled = true }, false},
		{"s3 unknown format", func(c *Config) {
			c.Archive.S3 = S3Config{Enabled: true, Bucket: "b", Region: "r", Format: "csv"}
		}, false},
		{"s3 parquet", func(c *Config) {
			c.Archive.S3 = S3Config{Enabled: true, Bucket: "b", Region: "r", Format: "parquet"}
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Gateway.Name = "gw"
			tc.mutate(&cfg)
			err := validateConfig(&cfg, EnvironmentDevelopment)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":           EnvironmentDevelopment,
		"prod":       EnvironmentProduction,
		" Stage ":    EnvironmentStaging,
		"production": EnvironmentProduction,
		"qa":         "qa",
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsProductionLike(EnvironmentStaging) || IsProductionLike(EnvironmentDevelopment) {
		t.Errorf("IsProductionLike classification is wrong")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(base, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(base); got != base {
		t.Fatalf("expected fallback to base path, got %s", got)
	}

	staged := filepath.Join(dir, "config.staging.yml")
	if err := os.WriteFile(staged, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := ResolvePath(base); got != staged {
		t.Fatalf("expected staging path, got %s", got)
	}
}
