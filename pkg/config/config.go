// Package config loads soulchain settings from a YAML file with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	EnvRoot     = "SOULCHAIN_ROOT"
	EnvLogLevel = "SOULCHAIN_LOG_LEVEL"
)

// Config is the on-disk configuration.
type Config struct {
	// Directory holding one subdirectory per chain
	StoreRoot string `yaml:"store_root" json:"store_root"`

	Lock    LockConfig    `yaml:"lock" json:"lock"`
	Append  AppendConfig  `yaml:"append" json:"append"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Reports ReportConfig  `yaml:"reports" json:"reports"`
}

// LockConfig tunes the per-chain advisory lock.
type LockConfig struct {
	// Age after which a lock left by a crashed process is broken
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// How long an append or repair waits for a busy chain
	Wait time.Duration `yaml:"wait" json:"wait"`
}

// AppendConfig tunes ChainStore appends.
type AppendConfig struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// ReportConfig controls verify/revise report artifacts. An empty OutputDir
// disables them.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// Dir returns ~/.soulchain.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".soulchain"), nil
}

// DefaultPath returns ~/.soulchain/config.yaml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Default returns a configuration suitable for most use cases
func Default() *Config {
	root := "chains"
	if dir, err := Dir(); err == nil {
		root = filepath.Join(dir, "chains")
	}
	return &Config{
		StoreRoot: root,
		Lock: LockConfig{
			TTL:  30 * time.Second,
			Wait: 5 * time.Second,
		},
		Append: AppendConfig{
			MaxRetries: 5,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// ApplyEnv overlays environment overrides.
func (c *Config) ApplyEnv() {
	if root := strings.TrimSpace(os.Getenv(EnvRoot)); root != "" {
		c.StoreRoot = root
	}
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		c.Logging.Verbosity = strings.ToLower(lvl)
	}
}

// ExpandRoot resolves a leading ~ in StoreRoot.
func (c *Config) ExpandRoot() error {
	if c.StoreRoot != "~" && !strings.HasPrefix(c.StoreRoot, "~/") {
		return nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}
	c.StoreRoot = filepath.Join(homeDir, strings.TrimPrefix(c.StoreRoot, "~"))
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreRoot) == "" {
		return fmt.Errorf("store_root is required")
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}

	if c.Lock.Wait < 0 {
		return fmt.Errorf("lock.wait cannot be negative")
	}

	if c.Append.MaxRetries < 0 {
		return fmt.Errorf("append.max_retries cannot be negative")
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}
