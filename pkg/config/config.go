// Package config provides configuration loading and management for mrilongnorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Templates are the fixed anatomical images all subjects are mapped into
	Templates struct {
		// Volume is the full-head template every reference is registered to
		Volume string `yaml:"volume"`

		// Brain is the skull-stripped template
		Brain string `yaml:"brain"`

		// Mask is the template brain mask
		Mask string `yaml:"mask"`
	} `yaml:"templates"`

	// InputRoot holds one directory per subject, one subdirectory per session
	InputRoot string `yaml:"inputRoot"`

	// OutputRoot receives the mirrored subject/session output tree
	OutputRoot string `yaml:"outputRoot"`

	// SessionsCSV optionally lists subject_id,session_id pairs to process
	// instead of walking InputRoot
	SessionsCSV string `yaml:"sessionsCsv"`

	// Device is handed to the brain extraction tool ("cpu", "cuda", ...)
	Device string `yaml:"device"`

	// Processing parameters
	Processing struct {
		// Workers is the number of subjects processed concurrently
		Workers int `yaml:"workers"`

		// ResampleWorkers splits each resampling call across goroutines
		ResampleWorkers int `yaml:"resampleWorkers"`
	} `yaml:"processing"`

	// Registration parameters
	Registration struct {
		// Type is "affine" or "translation"
		Type string `yaml:"type"`
	} `yaml:"registration"`

	// Denoise parameters
	Denoise struct {
		Enabled bool `yaml:"enabled"`

		// EdgeThreshold is the relative local range above which a voxel is
		// treated as an edge and median-filtered instead of averaged
		EdgeThreshold float64 `yaml:"edgeThreshold"`
	} `yaml:"denoise"`

	// BrainExtraction configures the external skull-stripping executable
	BrainExtraction struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`

		// MaskSuffix is appended by the tool to the output stem for the mask
		MaskSuffix string `yaml:"maskSuffix"`
	} `yaml:"brainExtraction"`

	// BiasCorrection parameters
	BiasCorrection struct {
		Iterations int `yaml:"iterations"`

		// FieldSigmaMM controls how smooth the estimated bias field is
		FieldSigmaMM float64 `yaml:"fieldSigmaMm"`
	} `yaml:"biasCorrection"`

	// QC parameters for the automatic mask and quality metrics estimator
	QC struct {
		Workers int `yaml:"workers"`

		// BiasCorrection enables the optional pre-correction step
		BiasCorrection bool `yaml:"biasCorrection"`

		// SnapshotHeight is the pixel height of each snapshot panel
		SnapshotHeight int `yaml:"snapshotHeight"`
	} `yaml:"qc"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Device = "cpu"

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.ResampleWorkers = 1

	cfg.Registration.Type = "affine"

	cfg.Denoise.Enabled = true
	cfg.Denoise.EdgeThreshold = 0.2

	cfg.BrainExtraction.Command = "hd-bet"
	cfg.BrainExtraction.Args = []string{"--disable_tta", "--save_bet_mask", "--no_bet_image"}
	cfg.BrainExtraction.MaskSuffix = "_bet"

	cfg.BiasCorrection.Iterations = 3
	cfg.BiasCorrection.FieldSigmaMM = 30

	cfg.QC.Workers = runtime.NumCPU()
	cfg.QC.BiasCorrection = true
	cfg.QC.SnapshotHeight = 256

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks the settings the normalization pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Templates.Volume == "" {
		return fmt.Errorf("templates.volume is required")
	}
	if c.InputRoot == "" {
		return fmt.Errorf("inputRoot is required")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("outputRoot is required")
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}
	switch c.Registration.Type {
	case "affine", "translation":
	default:
		return fmt.Errorf("registration.type must be affine or translation, got %q", c.Registration.Type)
	}
	if c.BrainExtraction.Command == "" {
		return fmt.Errorf("brainExtraction.command is required")
	}
	if c.BiasCorrection.Iterations < 1 {
		return fmt.Errorf("biasCorrection.iterations must be at least 1")
	}
	if c.BiasCorrection.FieldSigmaMM <= 0 {
		return fmt.Errorf("biasCorrection.fieldSigmaMm must be positive")
	}
	return nil
}
