// Package boardcfg loads the YAML board description: matrix dimensions,
// debounce sensitivity, and flash geometry for the bench simulation rig.
// This is the compile-time board-support description a real firmware
// build would supply via a board-support crate; it is not the keymap
// configuration language (out of scope, spec.md §1).
package boardcfg

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level board description.
type Config struct {
	// Matrix describes the switch matrix dimensions and wiring.
	Matrix MatrixConfig `yaml:"matrix"`

	// Flash describes the simulated NOR flash device backing the ring
	// filesystem.
	Flash FlashConfig `yaml:"flash"`

	// DebounceSensitivity is the scanner's settle-count target. Defaults
	// to 5 when omitted.
	DebounceSensitivity uint8 `yaml:"debounce_sensitivity"`

	// VendorLinkAddr is the listen/dial address for the bench harness's
	// simulated gRPC vendor link (e.g. "127.0.0.1:4510").
	VendorLinkAddr string `yaml:"vendor_link_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the bench harness's
	// introspection HTTP server. Defaults to "127.0.0.1:9100" when
	// omitted.
	HealthAddr string `yaml:"health_addr"`
}

// MatrixConfig describes the physical switch matrix.
type MatrixConfig struct {
	// Rows and Cols are the matrix dimensions. Required.
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`

	// RowIsOutput selects which physical side of the matrix is driven.
	// Defaults to false (columns are outputs) when omitted.
	RowIsOutput bool `yaml:"row_is_output"`
}

// FlashConfig describes the simulated NOR flash device geometry.
type FlashConfig struct {
	// SizeBytes is the total addressable device size. Required, must be a
	// multiple of EraseUnitBytes.
	SizeBytes uint32 `yaml:"size_bytes"`

	// PageBytes is the smallest atomic program unit. Required.
	PageBytes uint32 `yaml:"page_bytes"`

	// EraseUnitBytes is the smallest erasable block. Required.
	EraseUnitBytes uint32 `yaml:"erase_unit_bytes"`

	// DirSizeBytes overrides the ring filesystem's directory segment
	// size. 0 means "let ringfs choose".
	DirSizeBytes uint32 `yaml:"dir_size_bytes,omitempty"`

	// MaxFiles overrides the ring filesystem's live-file retention limit.
	// 0 means "use ringfs's default".
	MaxFiles uint32 `yaml:"max_files,omitempty"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("boardcfg: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("boardcfg: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("boardcfg: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DebounceSensitivity == 0 {
		cfg.DebounceSensitivity = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Matrix.Rows <= 0 {
		errs = append(errs, errors.New("matrix.rows must be positive"))
	}
	if cfg.Matrix.Cols <= 0 {
		errs = append(errs, errors.New("matrix.cols must be positive"))
	}
	if cfg.Flash.SizeBytes == 0 {
		errs = append(errs, errors.New("flash.size_bytes is required"))
	}
	if cfg.Flash.PageBytes == 0 {
		errs = append(errs, errors.New("flash.page_bytes is required"))
	}
	if cfg.Flash.EraseUnitBytes == 0 {
		errs = append(errs, errors.New("flash.erase_unit_bytes is required"))
	}
	if cfg.Flash.SizeBytes != 0 && cfg.Flash.EraseUnitBytes != 0 && cfg.Flash.SizeBytes%cfg.Flash.EraseUnitBytes != 0 {
		errs = append(errs, fmt.Errorf("flash.size_bytes %d is not a multiple of flash.erase_unit_bytes %d",
			cfg.Flash.SizeBytes, cfg.Flash.EraseUnitBytes))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
