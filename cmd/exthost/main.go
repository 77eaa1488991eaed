package main

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/host"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newApp().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "exthost:", err)
		os.Exit(1)
	}
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exthost",
		Short: "Extension host: runs untrusted extensions in isolated JavaScript sandboxes",
		Example: `  Serve a privileged parent over stdin/stdout:
  $ exthost serve

  Accept the parent over a websocket on the admin port:
  $ exthost serve --transport websocket

  Try an extension locally:
  $ exthost run ./my-ext/manifest.yaml --command my-ext.hello`,
		Version:       host.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "Set the logging level [debug, info, warn, error]")
	rootCmd.PersistentFlags().Bool("debug", false, "Debug mode (development logging at debug level)")

	rootCmd.AddCommand(
		newServeCommand(),
		newRunCommand(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies global flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// newLogger always writes to stderr; stdout may carry IPC frames
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
