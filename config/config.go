package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Marketwatch  MarketwatchConfig  `yaml:"marketwatch"`
	Logging      LoggingConfig      `yaml:"logging"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Binance      BinanceConfig      `yaml:"binance"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	History      HistoryConfig      `yaml:"history"`
	Symbols      []string           `yaml:"symbols"`
}

type MarketwatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	EventBuffer   int `yaml:"event_buffer"`
	ControlBuffer int `yaml:"control_buffer"`
}

type SubscriptionConfig struct {
	DepthUpdateSpeedMs int           `yaml:"depth_update_speed_ms"`
	SnapshotLimit      int           `yaml:"snapshot_limit"`
	SnapshotTimeout    time.Duration `yaml:"snapshot_timeout"`
	KlineInterval      string        `yaml:"kline_interval"`
	DailyCandleLimit   int           `yaml:"daily_candle_limit"`
	MaxSubscriptions   int           `yaml:"max_subscriptions"`
	SubscribeDelay     time.Duration `yaml:"subscribe_delay"`
	IdleTick           time.Duration `yaml:"idle_tick"`
	ValidateEvery      int           `yaml:"validate_every"`
}

type AlertsConfig struct {
	DefaultCooldownMs int64             `yaml:"default_cooldown_ms"`
	DefaultHysteresis float64           `yaml:"default_hysteresis"`
	Rules             []AlertRuleConfig `yaml:"rules"`
}

// AlertRuleConfig declares one price alert to register at startup.
type AlertRuleConfig struct {
	Symbol     string  `yaml:"symbol"`
	Direction  string  `yaml:"direction"`
	Threshold  float64 `yaml:"threshold"`
	Mode       string  `yaml:"mode"`
	CooldownMs int64   `yaml:"cooldown_ms"`
	Hysteresis float64 `yaml:"hysteresis"`
}

type BinanceConfig struct {
	RestURL           string               `yaml:"rest_url"`
	WsURL             string               `yaml:"ws_url"`
	RequestsPerSecond int                  `yaml:"requests_per_second"`
	RequestBurst      int                  `yaml:"request_burst"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Namespace string        `yaml:"namespace"`
	Region    string        `yaml:"region"`
	Interval  time.Duration `yaml:"interval"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

// LoadConfig reads and validates the YAML configuration, applying defaults
// for optional sections and APP_ENV specific file resolution.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when set, never from the file.
	if config.History.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.History.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.History.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.History.Region = strings.TrimSpace(v)
		}
	}
	config.History.Bucket = strings.TrimSpace(config.History.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Channels: ChannelsConfig{
			EventBuffer:   1024,
			ControlBuffer: 16,
		},
		Subscription: SubscriptionConfig{
			DepthUpdateSpeedMs: 100,
			SnapshotLimit:      1000,
			SnapshotTimeout:    10 * time.Second,
			KlineInterval:      "1d",
			DailyCandleLimit:   90,
			MaxSubscriptions:   10,
			SubscribeDelay:     250 * time.Millisecond,
			IdleTick:           30 * time.Second,
			ValidateEvery:      100,
		},
		Alerts: AlertsConfig{
			DefaultCooldownMs: 60_000,
		},
		Binance: BinanceConfig{
			RestURL:           "https://api.binance.com",
			WsURL:             "wss://stream.binance.com:9443/stream",
			RequestsPerSecond: 10,
			RequestBurst:      20,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    16,
				MaxConnsPerHost: 8,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Namespace: "Marketwatch",
			Interval:  time.Minute,
		},
		History: HistoryConfig{
			Prefix:        "price-history",
			FlushInterval: time.Minute,
			BatchSize:     5000,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketwatch.Name == "" {
		return fmt.Errorf("marketwatch.name is required")
	}
	if cfg.Marketwatch.Version == "" {
		return fmt.Errorf("marketwatch.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.ControlBuffer <= 0 {
		return fmt.Errorf("channels.control_buffer must be greater than 0")
	}

	if cfg.Subscription.SnapshotLimit <= 0 {
		return fmt.Errorf("subscription.snapshot_limit must be greater than 0")
	}
	if cfg.Subscription.SnapshotTimeout <= 0 {
		return fmt.Errorf("subscription.snapshot_timeout must be greater than 0")
	}
	if cfg.Subscription.DailyCandleLimit <= 0 {
		return fmt.Errorf("subscription.daily_candle_limit must be greater than 0")
	}
	if cfg.Subscription.MaxSubscriptions <= 0 {
		return fmt.Errorf("subscription.max_subscriptions must be greater than 0")
	}
	if cfg.Subscription.IdleTick <= 0 {
		return fmt.Errorf("subscription.idle_tick must be greater than 0")
	}
	if cfg.Subscription.ValidateEvery <= 0 {
		return fmt.Errorf("subscription.validate_every must be greater than 0")
	}

	if cfg.Binance.RestURL == "" {
		return fmt.Errorf("binance.rest_url is required")
	}
	if cfg.Binance.WsURL == "" {
		return fmt.Errorf("binance.ws_url is required")
	}
	if cfg.Binance.RequestsPerSecond <= 0 {
		return fmt.Errorf("binance.requests_per_second must be greater than 0")
	}

	for i, rule := range cfg.Alerts.Rules {
		if rule.Symbol == "" {
			return fmt.Errorf("alerts.rules[%d].symbol is required", i)
		}
		switch strings.ToLower(rule.Direction) {
		case "above", "below":
		default:
			return fmt.Errorf("alerts.rules[%d].direction must be 'above' or 'below'", i)
		}
		switch strings.ToLower(rule.Mode) {
		case "", "once", "repeat":
		default:
			return fmt.Errorf("alerts.rules[%d].mode must be 'once' or 'repeat'", i)
		}
	}

	if cfg.History.Enabled {
		if cfg.History.Bucket == "" {
			return fmt.Errorf("history.bucket is required when the history sink is enabled")
		}
		if cfg.History.Region == "" {
			return fmt.Errorf("history.region is required when the history sink is enabled")
		}
		if cfg.History.FlushInterval <= 0 {
			return fmt.Errorf("history.flush_interval must be greater than 0")
		}
		if cfg.History.BatchSize <= 0 {
			return fmt.Errorf("history.batch_size must be greater than 0")
		}
		if !isValidS3Bucket(cfg.History.Bucket) {
			return fmt.Errorf("history.bucket '%s' is invalid", cfg.History.Bucket)
		}
	}

	return nil
}

// isValidS3Bucket applies the S3 naming rules that matter in practice:
// 3-63 chars, lowercase letters, digits, dots and hyphens, starting and
// ending with a letter or digit.
func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.' || c == '-':
			if i == 0 || i == len(name)-1 || name[i-1] == '.' {
				return false
			}
		default:
			return false
		}
	}
	return true
}
