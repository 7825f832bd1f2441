package cli

import (
	"github.com/harun/overwatch/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "overwatch",
	Short: "Overwatch - supervision core for autonomous agents",
	Long: `Overwatch supervises autonomous agent tasks. It propagates trace ids,
keeps a structured log tail, isolates failing tools behind circuit breakers,
enforces per-trace token budgets, detects repeated actions and tracks the
health of standard operating procedures.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     false,
	PersistentPreRunE: checkLogLevel,
}

// checkLogLevel rejects a bad --log-level before any command runs
func checkLogLevel(cmd *cobra.Command, args []string) error {
	if logLevel == "" {
		return nil
	}
	return config.NewValidator().ValidateLogLevel(logLevel)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.overwatch/overwatch.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
