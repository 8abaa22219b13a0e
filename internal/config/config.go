// Package config loads chronoctx configuration.
//
// A configuration file is YAML decoded strictly (unknown keys are errors)
// over the defaults, then validated against an embedded CUE schema. Any
// field the file omits keeps its default. Command-line flags are applied
// by the caller after Load.
//
//	storage:
//	  backend: badger
//	  path: /var/lib/chronoctx
//	engine:
//	  merge_mode: deep
//	server:
//	  addr: ":9090"
//	  rate_limit: 50
//	  burst: 100
//	telemetry:
//	  traces: otlp
//	  otlp_endpoint: collector:4317
//
// CHRONOCTX_* environment variables, optionally read from a .env file,
// override the file. See ApplyEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config is the complete service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// StorageConfig selects and configures the sequence store backend.
type StorageConfig struct {
	Backend string       `yaml:"backend" json:"backend"`
	Path    string       `yaml:"path" json:"path"` // SQLite file or Badger directory
	Badger  BadgerConfig `yaml:"badger" json:"badger"`
}

// BadgerConfig holds Badger-only settings.
type BadgerConfig struct {
	InMemory   bool          `yaml:"in_memory" json:"in_memory"`
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"` // 0 disables value-log GC
	GCRatio    float64       `yaml:"gc_ratio" json:"gc_ratio"`
}

// EngineConfig tunes the mutation engine.
type EngineConfig struct {
	SnapshotInterval int64  `yaml:"snapshot_interval" json:"snapshot_interval"`
	MergeMode        string `yaml:"merge_mode" json:"merge_mode"`
	CacheMaxCost     int64  `yaml:"cache_max_cost" json:"cache_max_cost"` // 0 disables the cache
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	RateLimit       float64       `yaml:"rate_limit" json:"rate_limit"` // requests per second; 0 disables
	Burst           int           `yaml:"burst" json:"burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Trace exporters.
const (
	TracesNone   = "none"
	TracesStdout = "stdout"
	TracesOTLP   = "otlp"
)

// TelemetryConfig selects where serve sends trace spans. Metrics are always
// served on /metrics.
type TelemetryConfig struct {
	Traces       string  `yaml:"traces" json:"traces"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure" json:"otlp_insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "chronoctx.db",
			Badger: BadgerConfig{
				GCInterval: 10 * time.Minute,
				GCRatio:    0.5,
			},
		},
		Engine: EngineConfig{
			SnapshotInterval: 32,
			MergeMode:        "shallow",
			CacheMaxCost:     1 << 20,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Traces:       TracesNone,
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decode overlays YAML onto cfg, rejecting unknown fields.
func decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}
