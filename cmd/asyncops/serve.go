package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		httpPort   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		Long:  "Run the HTTP API, job workers and notification hub until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if httpPort != "" {
				cfg.Service.HTTPPort = httpPort
			}
			if logLevel != "" {
				cfg.Service.LogLevel = logLevel
			}
			logger := newLogger(cfg.Service, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to the YAML config file")
	cmd.Flags().StringVar(&httpPort, "http-port", "", "Listen address, overrides the config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level, overrides the config file")
	return cmd
}

// run serves until ctx is done, then shuts down within the configured timeout.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise service: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	if err := a.start(ctx, runCtx); err != nil {
		_ = a.stop(context.Background(), cancelRun)
		return err
	}
	logger.Info().Str("address", a.server.GetHTTPPort()).Msg("Service started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	timeout := cfg.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.stop(shutdownCtx, cancelRun); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("Service stopped.")
	return nil
}
