// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads rangetag configuration.
//
// Priority: environment variables > config file > defaults. Files are YAML,
// or TOML when the path ends in ".toml"; a file that is neither is tried as
// JSON before giving up.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and Load for a configuration
// that fails validation.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the complete rangetag configuration.
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	Keys      []KeyConfig     `json:"keys" yaml:"keys" toml:"keys" validate:"required,min=1,unique=Name,dive"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot" toml:"snapshot"`
	Watch     WatchConfig     `json:"watch" yaml:"watch" toml:"watch"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level   string `json:"level" yaml:"level" toml:"level" validate:"oneof=debug info warn warning error"`
	Dir     string `json:"dir" yaml:"dir" toml:"dir"`
	Service string `json:"service" yaml:"service" toml:"service" validate:"required"`
	JSON    bool   `json:"json" yaml:"json" toml:"json"`
}

// TelemetryConfig configures the otel providers.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name" toml:"service_name" validate:"required"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" toml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" toml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusPort int    `json:"prometheus_port" yaml:"prometheus_port" toml:"prometheus_port" validate:"min=0,max=65535"`
}

// KeyConfig declares one tag key of the manager.
type KeyConfig struct {
	// Name identifies the key in logs and output.
	Name string `json:"name" yaml:"name" toml:"name" validate:"required"`

	// Prefix is the single character that routes tags to this key.
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix" validate:"required,len=1"`

	// Allowed restricts the tag names the key accepts. Empty allows all.
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty" toml:"allowed,omitempty" validate:"dive,required"`
}

// PrefixRune returns the prefix as a rune, or utf8.RuneError when the
// prefix is not exactly one character.
func (k KeyConfig) PrefixRune() rune {
	r, size := utf8.DecodeRuneInString(k.Prefix)
	if size == 0 || size != len(k.Prefix) {
		return utf8.RuneError
	}
	return r
}

// SnapshotConfig configures the badger snapshot store.
type SnapshotConfig struct {
	Path       string `json:"path" yaml:"path" toml:"path" validate:"required_unless=InMemory true"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory" toml:"in_memory"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes" toml:"sync_writes"`
}

// WatchConfig configures fixture reloading.
type WatchConfig struct {
	Debounce time.Duration `json:"debounce" yaml:"debounce" toml:"debounce" validate:"min=0"`
}

// Default returns the built-in configuration: two keys, '!' for effects
// and '#' for styles, console logging at info, telemetry off.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:   "info",
			Service: "rangetag",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "rangetag",
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
			PrometheusPort: 9090,
		},
		Keys: []KeyConfig{
			{Name: "effects", Prefix: "!"},
			{Name: "styles", Prefix: "#"},
		},
		Snapshot: SnapshotConfig{
			Path:       filepath.Join(".rangetag", "snapshots"),
			SyncWrites: true,
		},
		Watch: WatchConfig{
			Debounce: 200 * time.Millisecond,
		},
	}
}

// Load builds a configuration from defaults, the optional file at path and
// RANGETAG_* environment variables, then validates it.
//
// Inputs:
//   - path: Config file. Empty or missing files fall back to defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil on unreadable or unparseable files, or when the result
//     fails validation (wraps ErrInvalidConfig).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadConfigFile decodes path over cfg. Keys present in the file replace
// the defaults wholesale.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse TOML config: %w", err)
		}
		return nil
	}

	yamlErr := yaml.Unmarshal(data, cfg)
	if yamlErr == nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
		return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", yamlErr, jsonErr)
	}
	return nil
}

// loadConfigFromEnv applies RANGETAG_* overrides. Malformed values are
// ignored.
func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("RANGETAG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("RANGETAG_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("RANGETAG_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSON = b
		}
	}

	if v := os.Getenv("RANGETAG_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("RANGETAG_METRIC_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("RANGETAG_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("RANGETAG_PROMETHEUS_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.PrometheusPort = i
		}
	}

	if v := os.Getenv("RANGETAG_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("RANGETAG_SNAPSHOT_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.InMemory = b
		}
	}

	if v := os.Getenv("RANGETAG_WATCH_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.Debounce = d
		}
	}
}

// Validate checks struct constraints and that key prefixes are distinct.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[rune]string, len(c.Keys))
	for _, k := range c.Keys {
		r := k.PrefixRune()
		if other, dup := seen[r]; dup {
			return fmt.Errorf("%w: keys %q and %q share prefix %q", ErrInvalidConfig, other, k.Name, k.Prefix)
		}
		seen[r] = k.Name
	}
	return nil
}
