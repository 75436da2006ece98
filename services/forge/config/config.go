// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads forge server configuration.
//
// Description:
//
//	Configuration merges three layers, later winning: built-in
//	defaults, an optional YAML file, and environment variables. The
//	merged result is validated before use. A Watcher can hot-reload
//	the dynamic subset (log level, generation timeout) when the file
//	changes; everything else requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the forge server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Generation GenerationConfig `yaml:"generation"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Artifact   ArtifactConfig   `yaml:"artifact"`

	// Dev replaces model calls with canned fixtures.
	Dev bool `yaml:"dev"`
}

// ServerConfig tunes the HTTP listener and persistence location.
type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`

	// DataDir holds the BadgerDB project store. Empty keeps projects
	// in memory only.
	DataDir string `yaml:"data_dir"`
}

// GenerationConfig selects and tunes the model backend.
type GenerationConfig struct {
	// Backend is the Generation Service implementation.
	Backend string `yaml:"backend" validate:"required,oneof=openai ollama mock"`

	// TimeoutSec bounds a single generation call.
	TimeoutSec int `yaml:"timeout_sec" validate:"min=1"`

	// Syntax toggles the built-in tree-sitter check stage.
	Syntax bool `yaml:"syntax"`
}

// Timeout returns the per-call generation timeout.
func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSec) * time.Second
}

// LogConfig tunes pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"required,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig wires the exporters. Empty endpoints disable each.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// ArtifactConfig selects where packaged archives land.
type ArtifactConfig struct {
	// Dir is the local artifact root. Empty disables local archiving.
	Dir string `yaml:"dir"`

	// GCSBucket enables Cloud Storage upload when set.
	GCSBucket string `yaml:"gcs_bucket"`

	// GCSKeyPath is the optional service-account key file.
	GCSKeyPath string `yaml:"gcs_key_path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Port: 12270},
		Generation: GenerationConfig{
			Backend:    "ollama",
			TimeoutSec: 240,
			Syntax:     true,
		},
		Log: LogConfig{Level: "info", JSON: true},
	}
}

// Load merges defaults, the optional YAML file at path, and the
// environment, then validates.
//
// Inputs:
//
//	path - Config file location. Empty skips the file layer; a missing
//	file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("FORGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("FORGE_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("FORGE_BACKEND"); v != "" {
		c.Generation.Backend = v
	}
	if v := os.Getenv("FORGE_DEV"); v != "" {
		c.Dev = v == "1" || v == "true"
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		c.Telemetry.InfluxURL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.Telemetry.InfluxToken = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		c.Telemetry.InfluxOrg = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		c.Telemetry.InfluxBucket = v
	}
	if v := os.Getenv("GCS_BUCKET"); v != "" {
		c.Artifact.GCSBucket = v
	}
	if v := os.Getenv("GCS_SA_KEY_PATH"); v != "" {
		c.Artifact.GCSKeyPath = v
	}
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WriteDefault creates a default config file at path, creating parent
// directories as needed. Used on first run.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
