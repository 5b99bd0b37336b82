// Package config handles configuration loading and validation for a pool.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/factory"
)

// PoolConfig is the configuration of one pool.
type PoolConfig struct {
	Name       string `yaml:"name"`
	BaseDir    string `yaml:"base_dir"`
	TotalSpace Size   `yaml:"total_space"`

	// MetadataStore names the metastore provider holding replica records.
	MetadataStore string `yaml:"metadata_store"`
	// LegacyStore optionally names a second provider to import records from.
	LegacyStore string `yaml:"legacy_store"`

	AllowSpaceRecovery   bool `yaml:"allow_space_recovery"`
	AllowControlRecovery bool `yaml:"allow_control_recovery"`

	StickyInterval string   `yaml:"sticky_interval"`
	ChecksumTypes  []string `yaml:"checksum_types"`

	MetricsListen  string `yaml:"metrics_listen"` // empty disables the endpoint
	HealthInterval string `yaml:"health_interval"`
	LogLevel       string `yaml:"log_level"`

	// LokiURL ships "pool run" logs to a Loki server as well.
	LokiURL string `yaml:"loki_url"`
}

// LoadPoolConfig loads pool configuration from a YAML file.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PoolConfig{MetricsListen: ":9191"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *PoolConfig) applyDefaults() {
	if c.MetadataStore == "" {
		c.MetadataStore = "file"
	}
	if c.StickyInterval == "" {
		c.StickyInterval = "60s"
	}
	if c.HealthInterval == "" {
		c.HealthInterval = "30s"
	}
	if len(c.ChecksumTypes) == 0 {
		c.ChecksumTypes = []string{checksum.ADLER32.String()}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Name == "" && c.BaseDir != "" {
		c.Name = filepath.Base(filepath.Clean(c.BaseDir))
	}

	// Expand home directory in base dir
	if strings.HasPrefix(c.BaseDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.BaseDir = filepath.Join(homeDir, c.BaseDir[2:])
		}
	}
}

// Validate checks if the pool configuration is valid.
func (c *PoolConfig) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.TotalSpace <= 0 {
		return fmt.Errorf("total_space must be positive")
	}
	providers := factory.List()
	if !slices.Contains(providers, c.MetadataStore) {
		return fmt.Errorf("metadata_store %q is not one of %v", c.MetadataStore, providers)
	}
	if c.LegacyStore != "" {
		if !slices.Contains(providers, c.LegacyStore) {
			return fmt.Errorf("legacy_store %q is not one of %v", c.LegacyStore, providers)
		}
		if c.LegacyStore == c.MetadataStore {
			return fmt.Errorf("legacy_store must differ from metadata_store")
		}
	}
	if d, err := time.ParseDuration(c.StickyInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid sticky_interval %q", c.StickyInterval)
	}
	if d, err := time.ParseDuration(c.HealthInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid health_interval %q", c.HealthInterval)
	}
	if _, err := c.Checksums(); err != nil {
		return err
	}
	if c.LokiURL != "" {
		u, err := url.Parse(c.LokiURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid loki_url %q", c.LokiURL)
		}
	}
	return nil
}

// StickyIntervalDuration returns the sticky inspection period.
func (c *PoolConfig) StickyIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.StickyInterval)
	return d
}

// HealthIntervalDuration returns the period of health checks and metric
// collection.
func (c *PoolConfig) HealthIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.HealthInterval)
	return d
}

// Checksums returns the configured checksum types.
func (c *PoolConfig) Checksums() ([]checksum.Type, error) {
	types := make([]checksum.Type, 0, len(c.ChecksumTypes))
	for _, name := range c.ChecksumTypes {
		t, err := checksum.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("checksum_types: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}
