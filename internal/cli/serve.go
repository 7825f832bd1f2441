package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/overwatch/internal/config"
	"github.com/harun/overwatch/internal/diagnostics"
	"github.com/harun/overwatch/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnostics server",
	Long: `Run the supervision core with its diagnostics HTTP server, the periodic
health reporter and config hot reload until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !rt.config.Diagnostics.Enabled {
		return fmt.Errorf("diagnostics are disabled in config")
	}

	server, err := diagnostics.NewServer(diagnostics.Config{
		Addr:   rt.config.Diagnostics.Addr(),
		Core:   rt.core,
		Queue:  rt.queue,
		Logger: log.Logger,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	reporter := diagnostics.NewReporter(rt.core, rt.config.Diagnostics.ReportSchedule, log.Logger)
	if err := reporter.Start(); err != nil {
		return err
	}

	rt.loader.OnChange(func(cfg *config.Config) {
		applyLogLevel(cfg.Logging.Level)
		log.Info().Str("level", cfg.Logging.Level).Msg("Applied reloaded log level")
	})
	if err := rt.loader.Watch(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Overwatch diagnostics listening on http://%s\n", server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(tracing.Detach(ctx), 10*time.Second)
	defer cancel()

	reporter.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Diagnostics server shutdown failed")
	}
	rt.close(shutdownCtx)
	return nil
}
