package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
symbols:
  - BTCUSDT
  - ETHUSDT
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketwatch.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketwatch.Name)
	}
	if len(cfg.Symbols) != 2 {
		t.Errorf("unexpected symbols: %v", cfg.Symbols)
	}

	// Defaults for sections the file omits.
	if cfg.Subscription.MaxSubscriptions != 10 {
		t.Errorf("unexpected max subscriptions: %d", cfg.Subscription.MaxSubscriptions)
	}
	if cfg.Subscription.SnapshotLimit != 1000 {
		t.Errorf("unexpected snapshot limit: %d", cfg.Subscription.SnapshotLimit)
	}
	if cfg.Subscription.KlineInterval != "1d" {
		t.Errorf("unexpected kline interval: %s", cfg.Subscription.KlineInterval)
	}
	if cfg.History.FlushInterval != time.Minute {
		t.Errorf("unexpected flush interval: %v", cfg.History.FlushInterval)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
subscription:
  depth_update_speed_ms: 1000
  daily_candle_limit: 30
binance:
  requests_per_second: 5
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Subscription.DepthUpdateSpeedMs != 1000 {
		t.Errorf("unexpected depth update speed: %d", cfg.Subscription.DepthUpdateSpeedMs)
	}
	if cfg.Subscription.DailyCandleLimit != 30 {
		t.Errorf("unexpected candle limit: %d", cfg.Subscription.DailyCandleLimit)
	}
	if cfg.Binance.RequestsPerSecond != 5 {
		t.Errorf("unexpected rate: %v", cfg.Binance.RequestsPerSecond)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  version: "1.0"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadConfigHistoryValidation(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
history:
  enabled: true
  region: "eu-west-1"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing bucket")
	}
}

func TestHistoryCredentialsFromEnv(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("AWS_REGION", "us-east-1")

	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
history:
  enabled: true
  bucket: "valid-bucket"
  region: "eu-west-1"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.History.AccessKeyID != "env-key" {
		t.Errorf("access key not taken from environment: %s", cfg.History.AccessKeyID)
	}
	if cfg.History.Region != "us-east-1" {
		t.Errorf("region not taken from environment: %s", cfg.History.Region)
	}
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
		{"-leading", false},
		{"trailing-", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestLoadConfigAlertRules(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
alerts:
  default_cooldown_ms: 30000
  rules:
    - symbol: BTCUSDT
      direction: above
      threshold: 50000
      mode: once
    - symbol: ETHUSDT
      direction: below
      threshold: 1500
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Alerts.Rules) != 2 {
		t.Fatalf("unexpected rule count: %d", len(cfg.Alerts.Rules))
	}
	first := cfg.Alerts.Rules[0]
	if first.Symbol != "BTCUSDT" || first.Direction != "above" || first.Threshold != 50000 || first.Mode != "once" {
		t.Errorf("unexpected first rule: %+v", first)
	}
	if cfg.Alerts.Rules[1].Mode != "" {
		t.Errorf("unexpected mode default: %q", cfg.Alerts.Rules[1].Mode)
	}
	if cfg.Subscription.SubscribeDelay != 250*time.Millisecond {
		t.Errorf("unexpected subscribe delay: %v", cfg.Subscription.SubscribeDelay)
	}
}

func TestLoadConfigRejectsBadAlertRule(t *testing.T) {
	path := writeTempConfig(t, `marketwatch:
  name: "TestApp"
  version: "1.0"
alerts:
  rules:
    - symbol: BTCUSDT
      direction: sideways
      threshold: 50000
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected direction validation error")
	}
}
