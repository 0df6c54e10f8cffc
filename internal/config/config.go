// Package config defines configuration for the Binance futures automation
// core. Config is loaded entirely from environment variables (§6) — there
// is no YAML file; credential loading and dotfile bootstrap are the host
// process's concern, out of scope here (spec.md §1).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration, sourced from environment
// variables with a BINANCE_ prefix.
type Config struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Testnet    bool   `mapstructure:"testnet"`
	RecvWindow int    `mapstructure:"recv_window"`
}

// Base URLs, fixed at process start by the testnet flag (§6).
const (
	ProdRESTBaseURL = "https://fapi.binance.com"
	ProdWSBaseURL   = "wss://fstream.binance.com"
	TestRESTBaseURL = "https://testnet.binancefuture.com"
	TestWSBaseURL   = "wss://stream.binancefuture.com"

	DefaultRecvWindow = 5000
)

// Load reads configuration from the environment. Unlike the teacher's
// config.Load (which reads a YAML file and overlays env vars), this
// process has no config file surface — every field is env-only.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BINANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("recv_window", DefaultRecvWindow)
	v.SetDefault("testnet", false)

	// viper.AutomaticEnv only binds a key once something has asked for it;
	// BindEnv registers the keys up front so Unmarshal sees them.
	for _, key := range []string{"api_key", "api_secret", "testnet", "recv_window"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks presence of required credentials (§1: "credential
// validation beyond presence" is explicitly out of scope — this is the
// presence check only).
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("BINANCE_API_KEY is required")
	}
	if c.APISecret == "" {
		return fmt.Errorf("BINANCE_API_SECRET is required")
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = DefaultRecvWindow
	}
	return nil
}

// RESTBaseURL returns the REST base URL selected by the testnet flag.
func (c *Config) RESTBaseURL() string {
	if c.Testnet {
		return TestRESTBaseURL
	}
	return ProdRESTBaseURL
}

// WSBaseURL returns the WebSocket base URL selected by the testnet flag.
func (c *Config) WSBaseURL() string {
	if c.Testnet {
		return TestWSBaseURL
	}
	return ProdWSBaseURL
}
