package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maestro-flow/maestro/internal/config"
	"github.com/maestro-flow/maestro/internal/logging"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose bool
	workDir string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro - workflow orchestration for AI agent teams",
	Long: `Maestro coordinates multi-agent workflows driven by external issues.

Workflow definitions are YAML; state is durable on disk; every transition
lands in an append-only audit log. Agents report completions, maestro
decides what runs next: sequential steps, conditional guards, routers,
loops with a safety limit, and retry with backoff.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() error {
	defer func() {
		if logCloser != nil {
			logCloser.Close()
		}
	}()
	return rootCmd.Execute()
}

// setupLogging installs the config-driven logger as the process default.
// --verbose forces debug level regardless of configuration.
func setupLogging() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	logger, closer, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	logCloser = closer
	slog.SetDefault(logger)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("maestro {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// loadConfig resolves layered configuration for the working directory.
func loadConfig() (*config.Config, string, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, "", fmt.Errorf("getting working directory: %w", err)
	}
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, dir, nil
}
