// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KIS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig holds the KIS open-API credentials and environment.
// Environment selects the gateway: "vps" is the paper-trading sandbox,
// "real" is the live gateway.
type BrokerConfig struct {
	AppKey        string          `mapstructure:"app_key"`
	AppSecret     string          `mapstructure:"app_secret"`
	AccountNo     string          `mapstructure:"account_no"`
	AccountSuffix string          `mapstructure:"account_suffix"`
	Environment   string          `mapstructure:"environment"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the token bucket serializing outbound KIS calls.
type RateLimitConfig struct {
	MaxTokens  float64 `mapstructure:"max_tokens"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

// EngineConfig sets the per-session defaults used when a start request
// does not override them.
type EngineConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	OrderQuantity   int `mapstructure:"order_quantity"`
}

// ServerConfig controls the HTTP/WebSocket control-plane server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig sets where session records are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KIS_APP_KEY, KIS_APP_SECRET, KIS_ACCOUNT_NO.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker.account_suffix", "01")
	v.SetDefault("broker.environment", "vps")
	v.SetDefault("broker.rate_limit.max_tokens", 15)
	v.SetDefault("broker.rate_limit.refill_rate", 15.0)
	v.SetDefault("engine.interval_seconds", 60)
	v.SetDefault("engine.order_quantity", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KIS_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("KIS_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if acc := os.Getenv("KIS_ACCOUNT_NO"); acc != "" {
		cfg.Broker.AccountNo = acc
	}
	if os.Getenv("KIS_DRY_RUN") == "true" || os.Getenv("KIS_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set KIS_APP_KEY)")
	}
	if c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_secret is required (set KIS_APP_SECRET)")
	}
	if c.Broker.AccountNo == "" {
		return fmt.Errorf("broker.account_no is required (set KIS_ACCOUNT_NO)")
	}
	switch c.Broker.Environment {
	case "vps", "real":
	default:
		return fmt.Errorf("broker.environment must be one of: vps (sandbox), real")
	}
	if c.Broker.RateLimit.MaxTokens <= 0 {
		return fmt.Errorf("broker.rate_limit.max_tokens must be > 0")
	}
	if c.Broker.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("broker.rate_limit.refill_rate must be > 0")
	}
	if c.Engine.IntervalSeconds <= 0 {
		return fmt.Errorf("engine.interval_seconds must be > 0")
	}
	if c.Engine.OrderQuantity < 1 {
		return fmt.Errorf("engine.order_quantity must be >= 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
