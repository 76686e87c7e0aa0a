// Package config provides configuration loading and management for hmrfseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"hmrfseg/pkg/segmentation"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Segmentation parameters
	Segmentation struct {
		// NumClasses is the number of foreground tissue classes
		NumClasses int `yaml:"numClasses"`

		// Beta is the spatial smoothing weight
		Beta float64 `yaml:"beta"`

		// Tolerance is the early-stop tolerance (0 leaves it unset)
		Tolerance float64 `yaml:"tolerance"`

		// MaxIter is the iteration budget (0 leaves it unset)
		MaxIter int `yaml:"maxIter"`

		// Backend names the numeric backend to run on
		Backend string `yaml:"backend"`
	} `yaml:"segmentation"`

	// Output parameters
	Output struct {
		// Verbose controls per-iteration progress logging
		Verbose bool `yaml:"verbose"`

		// SaveHistory enables per-iteration snapshot recording
		SaveHistory bool `yaml:"saveHistory"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default segmentation parameters
	cfg.Segmentation.NumClasses = 3
	cfg.Segmentation.Beta = 0.1
	cfg.Segmentation.Tolerance = 1e-5
	cfg.Segmentation.MaxIter = 100
	cfg.Segmentation.Backend = "cpu"

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.SaveHistory = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Params converts the configuration into classifier parameters
func (c *Config) Params() *segmentation.Params {
	return &segmentation.Params{
		NumClasses: c.Segmentation.NumClasses,
		Beta:       c.Segmentation.Beta,
		Tolerance:  c.Segmentation.Tolerance,
		MaxIter:    c.Segmentation.MaxIter,
		Verbose:    c.Output.Verbose,
		Backend:    c.Segmentation.Backend,
	}
}
