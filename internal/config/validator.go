package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port; 0 picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", port)
	}
	return nil
}

// ValidateBasePath validates the API base path
func (v *Validator) ValidateBasePath(path string) error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid base path: %s (must start with /)", path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("invalid base path: %s (must not end with /)", path)
	}
	return nil
}

// ValidateSchedule validates a cron schedule, including descriptors such as "@every 10m".
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("reap schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateEngineArgs rejects unknown placeholders in engine arguments.
func (v *Validator) ValidateEngineArgs(args []string) error {
	known := map[string]bool{"{config}": true, "{operator}": true, "{timestamp}": true, "{output}": true}
	for i, arg := range args {
		rest := arg
		for {
			start := strings.Index(rest, "{")
			if start < 0 {
				break
			}
			end := strings.Index(rest[start:], "}")
			if end < 0 {
				break
			}
			placeholder := rest[start : start+end+1]
			if !known[placeholder] {
				return fmt.Errorf("engine arg %d: unknown placeholder %s", i, placeholder)
			}
			rest = rest[start+end+1:]
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if err := v.ValidateBasePath(cfg.Server.BasePath); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.MaxChunkBytes < 0 {
		errors = append(errors, fmt.Errorf("server.max_chunk_bytes must be >= 0"))
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		errors = append(errors, fmt.Errorf("server.rate_limit_per_minute must be >= 0"))
	}
	if cfg.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("server.shutdown_timeout_seconds must be >= 0"))
	}

	if cfg.Engine.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("engine.timeout_seconds must be >= 0"))
	}
	if err := v.ValidateEngineArgs(cfg.Engine.Args); err != nil {
		errors = append(errors, err)
	}

	if cfg.Sessions.IdleTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("sessions.idle_ttl_seconds must be >= 0"))
	}
	if cfg.Sessions.IdleTTLSeconds > 0 {
		if err := v.ValidateSchedule(cfg.Sessions.ReapSchedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "", "none", "stdout":
		case "file":
			if cfg.Tracing.File == "" {
				errors = append(errors, fmt.Errorf("tracing.file is required for the file exporter"))
			}
		default:
			errors = append(errors, fmt.Errorf("unknown tracing.exporter %q (must be none, stdout or file)", cfg.Tracing.Exporter))
		}
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxAgeDays < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size_mb and logging.max_age_days must be >= 0"))
	}

	return errors
}
