package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main overwatch configuration
type Config struct {
	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Supervision core
	Supervision Supervision `json:"supervision" mapstructure:"supervision"`

	// Diagnostics HTTP server and health reporter
	Diagnostics DiagnosticsConfig `json:"diagnostics" mapstructure:"diagnostics"`

	// OpenTelemetry tracing
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Command queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"` // info, warn, error
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Supervision configures the guard components
type Supervision struct {
	Breaker   BreakerConfig   `json:"breaker" mapstructure:"breaker"`
	Cost      CostConfig      `json:"cost" mapstructure:"cost"`
	Loop      LoopConfig      `json:"loop" mapstructure:"loop"`
	SOP       SOPConfig       `json:"sop" mapstructure:"sop"`
	LogBuffer LogBufferConfig `json:"log_buffer" mapstructure:"log_buffer"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `json:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
}

// ResetTimeout returns the reset timeout as a duration
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

// CostConfig holds token budget settings
type CostConfig struct {
	DefaultLimit int64 `json:"default_limit" mapstructure:"default_limit"`
}

// LoopConfig toggles loop detection
type LoopConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// SOPConfig toggles SOP health reporting
type SOPConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LogBufferConfig sizes the in-memory log tail
type LogBufferConfig struct {
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// DiagnosticsConfig holds diagnostics server configuration
type DiagnosticsConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	ReportSchedule string `json:"report_schedule" mapstructure:"report_schedule"` // cron spec
}

// Addr returns host:port
func (d DiagnosticsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// QueueConfig holds command queue settings
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Supervision: Supervision{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeoutMs:   60000,
			},
			Cost: CostConfig{
				DefaultLimit: 100000,
			},
			Loop:      LoopConfig{Enabled: true},
			SOP:       SOPConfig{Enabled: true},
			LogBuffer: LogBufferConfig{Capacity: 100},
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           9464,
			ReportSchedule: "@every 1m",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "overwatch",
			SampleRatio: 1.0,
		},
		Queue: QueueConfig{
			MaxConcurrent: 4,
		},
	}
}

// Validate returns the first validation error, if any
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(data)
}
