// Package config holds all configuration types and loading logic for EchoDrop.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EchoDrop server instance.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pairing PairingConfig `yaml:"pairing"`
	Blob    BlobConfig    `yaml:"blob"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the main listener's network settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PairingConfig tunes the in-memory pairing core.
type PairingConfig struct {
	// TTLMs bounds the lifetime of a queued message and of a pending reply
	// correlation. A single TTL keeps janitor reasoning simple.
	TTLMs int64 `yaml:"ttl_ms"`
	// JanitorIntervalMs is the sweep period. Should divide TTLMs several
	// times over so expiry jitter stays small relative to the TTL.
	JanitorIntervalMs int64 `yaml:"janitor_interval_ms"`
	// MaxPending caps the pending message queue; submissions beyond it are
	// rejected rather than queued.
	MaxPending int `yaml:"max_pending"`
}

// BlobConfig controls audio blob storage and signed fetch links.
type BlobConfig struct {
	DataDir string `yaml:"data_dir"`
	// RetentionMs is how long an audio blob outlives its queue entry, so a
	// claimed message stays fetchable after the pairing state expires.
	RetentionMs int64 `yaml:"retention_ms"`
	// SignSecret keys the HMAC over fetch links. An empty secret still
	// produces links but offers no protection (dev/test only).
	SignSecret string `yaml:"sign_secret"`
	// SignValidityMs is how long a minted fetch link stays valid.
	SignValidityMs int64 `yaml:"sign_validity_ms"`
}

// AuthConfig controls API key authentication on the REST surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LimitsConfig bounds request sizes and rates.
type LimitsConfig struct {
	// MaxAudioBytes caps a single uploaded audio blob.
	MaxAudioBytes int64 `yaml:"max_audio_bytes"`
	// RateRPS is sustained requests per second per client IP; Burst allows
	// temporary spikes above it. RateRPS = 0 disables rate limiting.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Pairing: PairingConfig{
			TTLMs:             60_000,
			JanitorIntervalMs: 10_000,
			MaxPending:        10_000,
		},
		Blob: BlobConfig{
			DataDir:        "./data",
			RetentionMs:    900_000,
			SignSecret:     "",
			SignValidityMs: 300_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Limits: LimitsConfig{
			MaxAudioBytes: 8 << 20,
			RateRPS:       50,
			RateBurst:     100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run EchoDrop with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	ECHODROP_AUTH_API_KEY  — sets auth.api_key and enables auth (auth.enabled = true)
//	ECHODROP_SIGN_SECRET   — sets blob.sign_secret
//	ECHODROP_DATA_DIR      — sets blob.data_dir
//	ECHODROP_PORT          — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ECHODROP_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ECHODROP_SIGN_SECRET"); v != "" {
		cfg.Blob.SignSecret = v
	}
	if v := os.Getenv("ECHODROP_DATA_DIR"); v != "" {
		cfg.Blob.DataDir = v
	}
	if v := os.Getenv("ECHODROP_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Pairing.TTLMs < 1 {
		return errors.New("pairing.ttl_ms must be at least 1")
	}
	if c.Pairing.JanitorIntervalMs < 1 {
		return errors.New("pairing.janitor_interval_ms must be at least 1")
	}
	if c.Pairing.JanitorIntervalMs > c.Pairing.TTLMs {
		return errors.New("pairing.janitor_interval_ms must not exceed pairing.ttl_ms")
	}
	if c.Pairing.MaxPending < 1 {
		return errors.New("pairing.max_pending must be at least 1")
	}
	if c.Blob.DataDir == "" {
		return errors.New("blob.data_dir must not be empty")
	}
	if c.Blob.RetentionMs < c.Pairing.TTLMs {
		return errors.New("blob.retention_ms must be at least pairing.ttl_ms")
	}
	if c.Blob.SignValidityMs < 1 {
		return errors.New("blob.sign_validity_ms must be at least 1")
	}
	if c.Limits.MaxAudioBytes < 1 {
		return errors.New("limits.max_audio_bytes must be at least 1")
	}
	if c.Limits.RateRPS < 0 {
		return errors.New("limits.rate_rps must be >= 0")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
