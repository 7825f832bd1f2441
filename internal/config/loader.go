package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ChangeFunc receives a reloaded configuration. It is not called for
// reloads that fail to parse or validate.
type ChangeFunc func(*Config)

// Loader handles configuration loading
type Loader struct {
	configPath string
	validator  *Validator

	mu       sync.Mutex
	v        *viper.Viper
	current  *Config
	onChange []ChangeFunc
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		validator:  NewValidator(),
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".overwatch", "overwatch.json")
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// OVERWATCH_SUPERVISION_COST_DEFAULT_LIMIT overrides supervision.cost.default_limit
	v.SetEnvPrefix("OVERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())
	return v
}

// setDefaults registers every key so environment overrides apply even
// when the file omits the key
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("supervision.breaker.failure_threshold", cfg.Supervision.Breaker.FailureThreshold)
	v.SetDefault("supervision.breaker.reset_timeout_ms", cfg.Supervision.Breaker.ResetTimeoutMs)
	v.SetDefault("supervision.cost.default_limit", cfg.Supervision.Cost.DefaultLimit)
	v.SetDefault("supervision.loop.enabled", cfg.Supervision.Loop.Enabled)
	v.SetDefault("supervision.sop.enabled", cfg.Supervision.SOP.Enabled)
	v.SetDefault("supervision.log_buffer.capacity", cfg.Supervision.LogBuffer.Capacity)

	v.SetDefault("diagnostics.enabled", cfg.Diagnostics.Enabled)
	v.SetDefault("diagnostics.host", cfg.Diagnostics.Host)
	v.SetDefault("diagnostics.port", cfg.Diagnostics.Port)
	v.SetDefault("diagnostics.report_schedule", cfg.Diagnostics.ReportSchedule)

	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_ratio", cfg.Telemetry.SampleRatio)

	v.SetDefault("queue.max_concurrent", cfg.Queue.MaxConcurrent)
	v.SetDefault("data_dir", cfg.DataDir)
}

// Load loads the configuration from file. A missing file yields the
// defaults, still subject to environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper(configPath)

	if data, err := os.ReadFile(configPath); err == nil {
		if err := l.validator.ValidateSchema(data); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".overwatch")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Current returns the most recently loaded configuration
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// OnChange registers fn to run after every successful reload
func (l *Loader) OnChange(fn ChangeFunc) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Watch starts reloading the configuration when the file changes. Load
// must have been called first.
func (l *Loader) Watch() error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if _, err := os.Stat(l.GetConfigPath()); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v.OnConfigChange(l.handleEvent)
	v.WatchConfig()
	return nil
}

// handleEvent reloads the configuration for write and create events
func (l *Loader) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	cfg, err := l.reload()
	if err != nil {
		log.Warn().Err(err).Str("file", event.Name).Msg("Config reload rejected")
		return
	}

	l.mu.Lock()
	l.current = cfg
	callbacks := append([]ChangeFunc(nil), l.onChange...)
	l.mu.Unlock()

	log.Info().Str("file", event.Name).Msg("Config reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
}

func (l *Loader) reload() (*Config, error) {
	configPath := l.GetConfigPath()
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := l.validator.ValidateSchema(data); err != nil {
		return nil, err
	}

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
