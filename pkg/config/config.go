// Package config provides configuration loading and management for the
// analysis pipeline. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Inference parameters
	Inference struct {
		// PatchSize is the cubic edge length of the model's input patches
		PatchSize int `yaml:"patchSize"`

		// Stride is the step between consecutive patch start offsets.
		// Must be smaller than PatchSize so adjacent predictions overlap.
		Stride int `yaml:"stride"`

		// Threshold is the probability cutoff for binarizing the averaged field
		Threshold float64 `yaml:"threshold"`

		// Workers controls parallel patch inference; 1 runs sequentially
		Workers int `yaml:"workers"`

		// ModelPath is the YAML weights file for the analytic model
		ModelPath string `yaml:"modelPath"`
	} `yaml:"inference"`

	// Normalization parameters
	Normalization struct {
		// HUMin and HUMax bound the diagnostic intensity window in
		// Hounsfield units; values outside are clamped, not dropped
		HUMin float64 `yaml:"huMin"`
		HUMax float64 `yaml:"huMax"`
	} `yaml:"normalization"`

	// Extraction parameters
	Extraction struct {
		// MinVolumeMM3 is the inclusive minimum physical nodule volume
		MinVolumeMM3 float64 `yaml:"minVolumeMM3"`
	} `yaml:"extraction"`

	// Output parameters
	Output struct {
		// Dir is the root directory for per-case outputs (findings, masks, XAI)
		Dir string `yaml:"dir"`

		// SaveMask determines whether the binary segmentation mask is persisted
		SaveMask bool `yaml:"saveMask"`
	} `yaml:"output"`

	// Store parameters
	Store struct {
		// DBPath is the SQLite database used for run state and findings
		DBPath string `yaml:"dbPath"`
	} `yaml:"store"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Inference.PatchSize = 64
	cfg.Inference.Stride = 48
	cfg.Inference.Threshold = 0.5
	cfg.Inference.Workers = runtime.NumCPU()
	cfg.Inference.ModelPath = "models/analytic.yaml"

	cfg.Normalization.HUMin = -1000
	cfg.Normalization.HUMax = 400

	cfg.Extraction.MinVolumeMM3 = 10.0

	cfg.Output.Dir = "outputs"
	cfg.Output.SaveMask = true

	cfg.Store.DBPath = "healthatm.db"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks internal consistency of the loaded parameters.
func (c *Config) Validate() error {
	if c.Inference.PatchSize <= 0 {
		return fmt.Errorf("config: patchSize must be positive, got %d", c.Inference.PatchSize)
	}
	if c.Inference.Stride <= 0 || c.Inference.Stride >= c.Inference.PatchSize {
		return fmt.Errorf("config: stride must be in (0, patchSize), got %d", c.Inference.Stride)
	}
	if c.Inference.Threshold < 0 || c.Inference.Threshold > 1 {
		return fmt.Errorf("config: threshold must be in [0,1], got %g", c.Inference.Threshold)
	}
	if c.Inference.Workers < 1 {
		c.Inference.Workers = runtime.NumCPU()
	}
	if c.Normalization.HUMax <= c.Normalization.HUMin {
		return fmt.Errorf("config: huMax must exceed huMin")
	}
	if c.Extraction.MinVolumeMM3 < 0 {
		return fmt.Errorf("config: minVolumeMM3 must be non-negative")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
