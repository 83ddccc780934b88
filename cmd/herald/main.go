package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/herald/internal/cmd/client"
	serverrun "github.com/rzbill/herald/internal/cmd/server"
	cfgpkg "github.com/rzbill/herald/internal/config"
	logpkg "github.com/rzbill/herald/pkg/log"
)

func main() {
	// Load .env if present so HERALD_* vars work the same in dev and prod.
	_ = godotenv.Load()

	// initialize logger for CLI
	// Respect HERALD_LOG_LEVEL for both CLI and server start output
	level := os.Getenv("HERALD_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "herald",
		Short: "Herald broker CLI",
		Long:  "Herald is a priority-aware message broker. This CLI manages the server and basic queue operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start herald server (HTTP API)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			queueType, _ := cmd.Flags().GetString("queue-type")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)
			if queueType != "" {
				cfg.QueueType = queueType
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
				_ = os.Setenv("HERALD_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
				_ = os.Setenv("HERALD_LOG_FORMAT", logFormat)
			}
			if err := serverrun.Run(ctx, serverrun.Options{
				HTTPAddr: httpAddr,
				DataDir:  dataDir,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("HERALD_CONFIG"), "Config file path (JSON)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8265)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory for the embedded transport (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("queue-type", os.Getenv("HERALD_QUEUE_TYPE"), "Force transport: memory|redis|kvrest|push|embedded")
	serverStartCmd.Flags().String("log-level", os.Getenv("HERALD_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("HERALD_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// queue commands
	rootCmd.AddCommand(clientcmd.NewQueueCommand(apiURL))

	// dead-letter commands
	rootCmd.AddCommand(clientcmd.NewDLQCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("HERALD_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8265"
}
