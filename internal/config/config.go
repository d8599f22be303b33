// Package config loads service settings from an optional YAML file
// with environment overrides. Environment variables win so deploys can
// tweak a single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "DAOWYN_"

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig   `yaml:"http"`
	Chain    ChainConfig  `yaml:"chain"`
	Index    IndexConfig  `yaml:"index"`
	Cache    CacheConfig  `yaml:"cache"`
	Admit    AdmitConfig  `yaml:"admission"`
	Keeper   KeeperConfig `yaml:"keeper"`
	Spin     SpinConfig   `yaml:"spin"`
	LogLevel string       `yaml:"log_level"`
}

// HTTPConfig holds the listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ChainConfig holds the JSON-RPC endpoint and contract addresses.
type ChainConfig struct {
	RPCURL    string `yaml:"rpc_url"`
	Contract  string `yaml:"contract"`
	Multicall string `yaml:"multicall"`
}

// IndexConfig holds the log-index endpoint and lookback policy.
type IndexConfig struct {
	BaseURL       string        `yaml:"base_url"`
	RoundLookback time.Duration `yaml:"round_lookback"`
}

// CacheConfig holds the staleness policy.
type CacheConfig struct {
	StaleCeiling time.Duration `yaml:"stale_ceiling"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// AdmitConfig tunes the per-caller rebuild limiter.
type AdmitConfig struct {
	RefillEvery time.Duration `yaml:"refill_every"`
	Burst       int           `yaml:"burst"`
}

// KeeperConfig controls the reveal scheduler.
type KeeperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	From        string        `yaml:"from"`
	Tick        time.Duration `yaml:"tick"`
	PreDeadline time.Duration `yaml:"pre_deadline"`
}

// SpinConfig controls the animation plan windows.
type SpinConfig struct {
	RevealWindow time.Duration `yaml:"reveal_window"`
}

// Default returns the configuration used when no file or environment
// override says otherwise.
func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: "127.0.0.1:8080"},
		Index: IndexConfig{RoundLookback: 15 * time.Minute},
		Cache: CacheConfig{
			StaleCeiling: 20 * time.Second,
			BuildTimeout: 15 * time.Second,
		},
		Admit: AdmitConfig{
			RefillEvery: 10 * time.Second,
			Burst:       3,
		},
		Keeper: KeeperConfig{
			Tick:        5 * time.Second,
			PreDeadline: 10 * time.Second,
		},
		Spin:     SpinConfig{RevealWindow: 60 * time.Second},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (skipped when path is empty or missing), then a .env
// file when present, then process environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env entries never override variables already exported.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("RPC_URL", &c.Chain.RPCURL)
	envString("CONTRACT", &c.Chain.Contract)
	envString("MULTICALL", &c.Chain.Multicall)
	envString("LOGINDEX_URL", &c.Index.BaseURL)
	envString("KEEPER_FROM", &c.Keeper.From)
	envString("LOG_LEVEL", &c.LogLevel)

	if err := envBool("KEEPER_ENABLED", &c.Keeper.Enabled); err != nil {
		return err
	}
	if err := envInt("ADMIT_BURST", &c.Admit.Burst); err != nil {
		return err
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"ROUND_LOOKBACK", &c.Index.RoundLookback},
		{"STALE_CEILING", &c.Cache.StaleCeiling},
		{"BUILD_TIMEOUT", &c.Cache.BuildTimeout},
		{"ADMIT_REFILL", &c.Admit.RefillEvery},
		{"KEEPER_TICK", &c.Keeper.Tick},
		{"KEEPER_PRE_DEADLINE", &c.Keeper.PreDeadline},
		{"REVEAL_WINDOW", &c.Spin.RevealWindow},
	} {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("config: %sRPC_URL is required", EnvPrefix)
	}
	if c.Chain.Contract == "" {
		return fmt.Errorf("config: %sCONTRACT is required", EnvPrefix)
	}
	if c.Index.BaseURL == "" {
		return fmt.Errorf("config: %sLOGINDEX_URL is required", EnvPrefix)
	}
	if c.Keeper.Enabled && c.Keeper.From == "" {
		return fmt.Errorf("config: %sKEEPER_FROM is required when the keeper is enabled", EnvPrefix)
	}
	if c.Cache.StaleCeiling <= 0 {
		return fmt.Errorf("config: stale ceiling must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
