package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"suipic/internal/logging"
	"suipic/internal/models"
	"suipic/internal/monitoring"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	cfg        *models.Config
)

var rootCmd = &cobra.Command{
	Use:          "suipic",
	Short:        "Image ingestion and transcoding pipeline",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := models.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		slog.SetDefault(logging.CreateLogger(cfg.LogLevel))

		release := cfg.Sentry.Release
		if release == "" {
			release = "suipic@" + version
		}
		if err := monitoring.InitSentry(monitoring.SentryConfig{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     release,
		}); err != nil {
			slog.Warn("sentry disabled", "error", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	monitoring.Flush()
	if err != nil {
		slog.Error("failed to execute command", "error", err)
		os.Exit(1)
	}
}
