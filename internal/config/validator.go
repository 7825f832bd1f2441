package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema for configuration files
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "supervision": {
      "type": "object",
      "properties": {
        "breaker": {
          "type": "object",
          "properties": {
            "failure_threshold": {"type": "integer", "minimum": 1},
            "reset_timeout_ms": {"type": "integer", "minimum": 1}
          }
        },
        "cost": {
          "type": "object",
          "properties": {
            "default_limit": {"type": "integer", "minimum": 1}
          }
        },
        "loop": {
          "type": "object",
          "properties": {"enabled": {"type": "boolean"}}
        },
        "sop": {
          "type": "object",
          "properties": {"enabled": {"type": "boolean"}}
        },
        "log_buffer": {
          "type": "object",
          "properties": {
            "capacity": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "diagnostics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "report_schedule": {"type": "string"}
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "max_concurrent": {"type": "integer", "minimum": 1}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

// Validator validates configuration values
type Validator struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		schemaLoader: gojsonschema.NewStringLoader(Schema),
	}
}

// ValidateSchema validates raw configuration JSON against Schema
func (v *Validator) ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(messages, "; "))
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a cron schedule, descriptors included
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("report schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig collects every validation error instead of stopping at
// the first
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Supervision.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("supervision.breaker.failure_threshold must be positive"))
	}
	if cfg.Supervision.Breaker.ResetTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("supervision.breaker.reset_timeout_ms must be positive"))
	}
	if cfg.Supervision.Cost.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("supervision.cost.default_limit must be positive"))
	}
	if cfg.Supervision.LogBuffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("supervision.log_buffer.capacity must be positive"))
	}
	if cfg.Diagnostics.Enabled {
		if err := v.ValidatePort(cfg.Diagnostics.Port); err != nil {
			errs = append(errs, fmt.Errorf("diagnostics: %w", err))
		}
		if err := v.ValidateSchedule(cfg.Diagnostics.ReportSchedule); err != nil {
			errs = append(errs, fmt.Errorf("diagnostics: %w", err))
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be between 0 and 1"))
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be positive"))
	}

	return errs
}
