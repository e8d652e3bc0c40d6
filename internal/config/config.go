package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config represents the main tally configuration
type Config struct {
	// Application identity reported by the version operation
	App AppConfig `json:"app" mapstructure:"app"`

	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Contest storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// External tabulation engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Session housekeeping
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Session ledger used for crash recovery
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// AppConfig holds the application name and version
type AppConfig struct {
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                   string `json:"host" mapstructure:"host"`
	Port                   int    `json:"port" mapstructure:"port"`
	BasePath               string `json:"base_path" mapstructure:"base_path"`
	MaxChunkBytes          int64  `json:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`                   // 0 = unlimited
	RateLimitPerMinute     int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`       // per client IP, 0 = unlimited
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"` // seconds
}

// StorageConfig holds contest storage configuration
type StorageConfig struct {
	ContestDir string `json:"contest_dir" mapstructure:"contest_dir"`
	AuditLog   string `json:"audit_log" mapstructure:"audit_log"`
	PIDFile    string `json:"pid_file" mapstructure:"pid_file"` // default: tally.pid next to contest_dir
}

// EngineConfig describes how to invoke the tabulation engine.
// Args may contain {config}, {operator}, {timestamp} and {output}.
type EngineConfig struct {
	Command        string   `json:"command" mapstructure:"command"`
	Args           []string `json:"args" mapstructure:"args"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"` // 0 = no timeout
}

// SessionsConfig holds idle session reaping configuration
type SessionsConfig struct {
	IdleTTLSeconds int    `json:"idle_ttl_seconds" mapstructure:"idle_ttl_seconds"` // 0 = never reap
	ReapSchedule   string `json:"reap_schedule" mapstructure:"reap_schedule"`
}

// LedgerConfig holds the session ledger configuration
type LedgerConfig struct {
	Path string `json:"path" mapstructure:"path"` // empty = in-memory registry only
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`   // 0 = no rotation
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"` // 0 = keep rotated files
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Exporter    string `json:"exporter" mapstructure:"exporter"` // none, stdout, file
	File        string `json:"file" mapstructure:"file"`         // span output for the file exporter
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:    "Tally",
			Version: "0.1.0",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			BasePath:               "/api/v1.0",
			MaxChunkBytes:          0,
			ShutdownTimeoutSeconds: 30,
		},
		Engine: EngineConfig{
			Args: []string{"--cli", "{config}", "--name", "{operator}", "--timestamp", "{timestamp}"},
		},
		Sessions: SessionsConfig{
			IdleTTLSeconds: 0,
			ReapSchedule:   "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    false,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tally",
			Exporter:    "none",
		},
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.ContestDir) == "" {
		return fmt.Errorf("storage.contest_dir is required")
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("engine.command is required")
	}

	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ShutdownTimeout returns the server shutdown timeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// EngineTimeout returns the engine timeout as a duration (0 = none).
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// PIDFilePath returns the daemon PID file location.
func (c *Config) PIDFilePath() string {
	if c.Storage.PIDFile != "" {
		return c.Storage.PIDFile
	}
	if c.Storage.ContestDir == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(filepath.Clean(c.Storage.ContestDir)), "tally.pid")
}

// IdleTTL returns the idle session TTL as a duration (0 = never reap).
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Sessions.IdleTTLSeconds) * time.Second
}
