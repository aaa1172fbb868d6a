// Package config loads the simulator configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the simulator configuration file.
type Config struct {
	KeyHexFile      string                `yaml:"key_hex_file"`
	Countermeasures CountermeasuresConfig `yaml:"countermeasures"`
	Runtime         RuntimeConfig         `yaml:"runtime"`
}

// CountermeasuresConfig selects the DPA countermeasures. Every field is
// required so a configuration cannot silently run unprotected.
type CountermeasuresConfig struct {
	Masking   *bool `yaml:"masking"`
	Shuffling *bool `yaml:"shuffling"`
	DummyOps  *bool `yaml:"dummy_ops"`
	DPA       *bool `yaml:"dpa"`
}

// RuntimeConfig holds host-side settings.
type RuntimeConfig struct {
	LogFormat string `yaml:"log_format"`
	Verbose   *bool  `yaml:"verbose"`
	ETUFudge  *int   `yaml:"etu_fudge"`
}

// Load reads, parses and validates the configuration at path. Relative
// paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KeyHexFile) == "" {
		return fmt.Errorf("config.key_hex_file is required")
	}
	if err := validateReadableFile(c.KeyHexFile, "config.key_hex_file"); err != nil {
		return err
	}

	if c.Countermeasures.Masking == nil {
		return fmt.Errorf("config.countermeasures.masking is required")
	}
	if c.Countermeasures.Shuffling == nil {
		return fmt.Errorf("config.countermeasures.shuffling is required")
	}
	if c.Countermeasures.DummyOps == nil {
		return fmt.Errorf("config.countermeasures.dummy_ops is required")
	}
	if c.Countermeasures.DPA == nil {
		return fmt.Errorf("config.countermeasures.dpa is required")
	}

	switch c.Runtime.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.runtime.log_format must be text or json")
	}
	if c.Runtime.ETUFudge != nil {
		if *c.Runtime.ETUFudge < 0 || *c.Runtime.ETUFudge > 372 {
			return fmt.Errorf("config.runtime.etu_fudge must be 0..372")
		}
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.KeyHexFile = resolvePath(configDir, c.KeyHexFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
