// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Len(t, cfg.Keys, 2)
	assert.Equal(t, '!', cfg.Keys[0].PrefixRune())
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Debounce)
}

func TestLoad_EmptyAndMissingPathUseDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "rangetag.yaml", `
logging:
  level: debug
  service: editor
keys:
  - name: effects
    prefix: "!"
    allowed: [wave, shake]
  - name: links
    prefix: "@"
watch:
  debounce: 50ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "editor", cfg.Logging.Service)
	require.Len(t, cfg.Keys, 2)
	assert.Equal(t, []string{"wave", "shake"}, cfg.Keys[0].Allowed)
	assert.Equal(t, '@', cfg.Keys[1].PrefixRune())
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter, "untouched sections keep defaults")
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "rangetag.toml", `
[telemetry]
service_name = "rangetag"
trace_exporter = "stdout"
metric_exporter = "prometheus"
prometheus_port = 9191

[snapshot]
in_memory = true
path = ""

[[keys]]
name = "styles"
prefix = "#"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	assert.Equal(t, 9191, cfg.Telemetry.PrometheusPort)
	assert.True(t, cfg.Snapshot.InMemory)
	require.Len(t, cfg.Keys, 1)
	assert.Equal(t, "styles", cfg.Keys[0].Name)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := writeFile(t, "rangetag.conf", `{"logging": {"level": "warn", "service": "x"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Unparseable(t *testing.T) {
	path := writeFile(t, "rangetag.yaml", "keys: [\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tried YAML and JSON")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RANGETAG_LOG_LEVEL", "ERROR")
	t.Setenv("RANGETAG_LOG_JSON", "true")
	t.Setenv("RANGETAG_METRIC_EXPORTER", "stdout")
	t.Setenv("RANGETAG_PROMETHEUS_PORT", "not-a-number")
	t.Setenv("RANGETAG_SNAPSHOT_IN_MEMORY", "1")
	t.Setenv("RANGETAG_WATCH_DEBOUNCE", "1s")

	path := writeFile(t, "rangetag.yaml", "logging:\n  level: debug\n  service: rangetag\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level, "env wins over file")
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "stdout", cfg.Telemetry.MetricExporter)
	assert.Equal(t, 9090, cfg.Telemetry.PrometheusPort, "malformed value ignored")
	assert.True(t, cfg.Snapshot.InMemory)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"no keys", func(c *Config) { c.Keys = nil }},
		{"long prefix", func(c *Config) { c.Keys[0].Prefix = "!!" }},
		{"empty key name", func(c *Config) { c.Keys[0].Name = "" }},
		{"duplicate key name", func(c *Config) { c.Keys[1].Name = c.Keys[0].Name }},
		{"duplicate prefix", func(c *Config) { c.Keys[1].Prefix = c.Keys[0].Prefix }},
		{"unknown exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }},
		{"otlp without endpoint", func(c *Config) {
			c.Telemetry.TraceExporter = "otlp"
			c.Telemetry.OTLPEndpoint = ""
		}},
		{"port out of range", func(c *Config) { c.Telemetry.PrometheusPort = 70000 }},
		{"persistent snapshot without path", func(c *Config) { c.Snapshot.Path = "" }},
		{"negative debounce", func(c *Config) { c.Watch.Debounce = -time.Second }},
		{"empty allowed name", func(c *Config) { c.Keys[0].Allowed = []string{""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("in-memory snapshot needs no path", func(t *testing.T) {
		cfg := Default()
		cfg.Snapshot.Path = ""
		cfg.Snapshot.InMemory = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestKeyConfig_PrefixRune(t *testing.T) {
	assert.Equal(t, 'ß', KeyConfig{Prefix: "ß"}.PrefixRune())
	assert.Equal(t, rune(0xFFFD), KeyConfig{Prefix: ""}.PrefixRune())
	assert.Equal(t, rune(0xFFFD), KeyConfig{Prefix: "ab"}.PrefixRune())
}
