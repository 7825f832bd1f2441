package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/harun/overwatch/internal/config"
	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/supervision"
	"github.com/harun/overwatch/internal/tracing"
	"github.com/harun/overwatch/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// runtime bundles everything a command needs
type runtime struct {
	loader  *config.Loader
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	core    *supervision.Core
	queue   *commandqueue.CommandQueue
}

// bootstrap loads configuration and wires the supervision core. When
// logOutput is non-nil, logs go there instead of the configured sinks.
func bootstrap(logOutput io.Writer) (*runtime, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyLevelOverride(cfg)

	var l *logger.Logger
	if logOutput != nil {
		l = logger.NewWithWriter(logOutput)
	} else {
		l, err = logger.New(logger.Config{
			Level:     cfg.Logging.Level,
			File:      cfg.Logging.File,
			Console:   cfg.Logging.Console,
			Pretty:    cfg.Logging.Pretty,
			Redaction: cfg.Logging.Redaction,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	logger.SetDefault(l)
	log.Logger = l.GetZerolog()
	applyLogLevel(cfg.Logging.Level)

	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio); err != nil {
			return nil, fmt.Errorf("failed to init telemetry: %w", err)
		}
	}

	audit, err := supervision.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	m := metrics.Default()
	core := supervision.New(cfg.Supervision,
		supervision.WithLogger(l),
		supervision.WithMetrics(m),
		supervision.WithAudit(audit),
	)
	queue := commandqueue.New(
		commandqueue.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
		commandqueue.WithMetrics(m),
	)

	return &runtime{
		loader:  loader,
		config:  cfg,
		logger:  l,
		metrics: m,
		core:    core,
		queue:   queue,
	}, nil
}

// applyLevelOverride replaces the configured level with --log-level
func applyLevelOverride(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.queue.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close command queue")
	}
	if err := rt.core.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down supervision core")
	}
	if err := rt.logger.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close log file")
	}
}
