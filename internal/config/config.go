// Package config loads settings from an optional YAML file, a .env file, and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Chain    ChainConfig    `mapstructure:"chain"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Gas      GasConfig      `mapstructure:"gas"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Nonce    NonceConfig    `mapstructure:"nonce"`
	Confirm  ConfirmConfig  `mapstructure:"confirm"`
	Explorer ExplorerConfig `mapstructure:"explorer"`
	Log      LogConfig      `mapstructure:"log"`
}

type ChainConfig struct {
	ID        int64    `mapstructure:"id"`
	Endpoints []string `mapstructure:"endpoints"`
	// EndpointCooldownSec benches a failed endpoint before it is retried.
	EndpointCooldownSec int `mapstructure:"endpoint_cooldown_sec"`
	// Router is the DEX router contract for swaps.
	Router string `mapstructure:"router"`
	// WrappedNative is the wrapped coin used in default swap paths.
	WrappedNative string `mapstructure:"wrapped_native"`
}

type WalletConfig struct {
	// PrivateKey is the signing key, hex with or without 0x. Only ever read
	// from the environment, never from a config file on purpose: files get
	// committed, shells do not.
	PrivateKey string `mapstructure:"private_key"`
}

type GasConfig struct {
	// PriceGwei fixes the gas price; 0 asks the node.
	PriceGwei float64 `mapstructure:"price_gwei"`
	// BufferPct pads gas estimates.
	BufferPct uint64 `mapstructure:"buffer_pct"`
	// LimitOverride bypasses estimation when non-zero.
	LimitOverride uint64 `mapstructure:"limit_override"`
}

type QueueConfig struct {
	Workers     int `mapstructure:"workers"`
	MaxAttempts int `mapstructure:"max_attempts"`
	RetryBaseMs int `mapstructure:"retry_base_ms"`
	RetryMaxMs  int `mapstructure:"retry_max_ms"`
	// SendDelayMs spaces broadcasts per worker.
	SendDelayMs int `mapstructure:"send_delay_ms"`
	QueueSize   int `mapstructure:"queue_size"`
}

type NonceConfig struct {
	ReserveWaitMs int `mapstructure:"reserve_wait_ms"`
	GraceSec      int `mapstructure:"grace_sec"`
	MaxPending    int `mapstructure:"max_pending"`
}

type ConfirmConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	TimeoutSec     int `mapstructure:"timeout_sec"`
}

type ExplorerConfig struct {
	BaseURL string   `mapstructure:"base_url"`
	Keys    []string `mapstructure:"keys"`
	// PerKeyRPS and GlobalRPS bound request rates; Burst is shared.
	PerKeyRPS  float64 `mapstructure:"per_key_rps"`
	GlobalRPS  float64 `mapstructure:"global_rps"`
	Burst      int     `mapstructure:"burst"`
	MaxRetries int     `mapstructure:"max_retries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.id", 56)
	v.SetDefault("chain.endpoints", []string{"https://bsc-dataseed.binance.org"})
	v.SetDefault("chain.endpoint_cooldown_sec", 60)
	v.SetDefault("chain.router", "0x10ED43C718714eb63d5aA57B78B54704E256024E")
	v.SetDefault("chain.wrapped_native", "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")

	v.SetDefault("gas.price_gwei", 0)
	v.SetDefault("gas.buffer_pct", 20)
	v.SetDefault("gas.limit_override", 0)

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base_ms", 500)
	v.SetDefault("queue.retry_max_ms", 8000)
	v.SetDefault("queue.send_delay_ms", 2000)
	v.SetDefault("queue.queue_size", 256)

	v.SetDefault("nonce.reserve_wait_ms", 5000)
	v.SetDefault("nonce.grace_sec", 60)
	v.SetDefault("nonce.max_pending", 16)

	v.SetDefault("confirm.poll_interval_ms", 3000)
	v.SetDefault("confirm.timeout_sec", 120)

	v.SetDefault("wallet.private_key", "")

	v.SetDefault("explorer.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("explorer.keys", []string{})
	v.SetDefault("explorer.per_key_rps", 4)
	v.SetDefault("explorer.global_rps", 8)
	v.SetDefault("explorer.burst", 10)
	v.SetDefault("explorer.max_retries", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may name a YAML file; empty means config
// file discovery is skipped. A .env in the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit settings win over it anyway.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WSENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Chain.Endpoints = splitIfCSV(cfg.Chain.Endpoints)
	cfg.Explorer.Keys = splitIfCSV(cfg.Explorer.Keys)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitIfCSV tolerates a single comma-joined string where a list is expected,
// which is how lists arrive via environment variables.
func splitIfCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Chain.ID <= 0 {
		return errors.New("config: chain.id must be positive")
	}
	if len(c.Chain.Endpoints) == 0 {
		return errors.New("config: at least one chain endpoint required")
	}
	if c.Queue.Workers < 1 || c.Queue.Workers > 3 {
		return fmt.Errorf("config: queue.workers must be 1..3, got %d", c.Queue.Workers)
	}
	if c.Gas.BufferPct > 100 {
		return fmt.Errorf("config: gas.buffer_pct must be 0..100, got %d", c.Gas.BufferPct)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Durations derived from the integer knobs.

func (c ChainConfig) EndpointCooldown() time.Duration {
	return time.Duration(c.EndpointCooldownSec) * time.Second
}

func (c QueueConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

func (c QueueConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMs) * time.Millisecond
}

func (c QueueConfig) SendDelay() time.Duration {
	return time.Duration(c.SendDelayMs) * time.Millisecond
}

func (c NonceConfig) ReserveWait() time.Duration {
	return time.Duration(c.ReserveWaitMs) * time.Millisecond
}

func (c NonceConfig) Grace() time.Duration {
	return time.Duration(c.GraceSec) * time.Second
}

func (c ConfirmConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c ConfirmConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
