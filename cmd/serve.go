package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"suipic/internal/catalog"
	"suipic/internal/ingest"
	"suipic/internal/monitoring"
	"suipic/internal/reaper"
	"suipic/internal/server"
	"suipic/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled stuck-image sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := slog.Default()
		if cfg.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		db, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to init storage: %w", err)
		}
		defer db.Close()

		objects, err := openObjects(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to init object store: %w", err)
		}

		pub, closePub := openPublisher(cfg)
		defer closePub()

		urls, closeCache := openURLCache(ctx, cfg)
		defer closeCache()

		var urlCache catalog.URLCache
		if urls != nil {
			urlCache = urls
		}

		rp := reaper.New(db, objects, pub, log)
		srv := server.NewServer(cfg, server.Deps{
			Ingest:  ingest.NewCoordinator(db, objects, pub, log),
			Catalog: catalog.New(db, objects, urlCache, cfg.S3.PresignTTL, log),
			Reaper:  rp,
			Health:  db,
			Logger:  log,
		})

		go rp.Schedule(ctx, cfg.Reaper.Interval, cfg.Reaper.ThresholdMinutes)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			if err != nil {
				monitoring.NewReporter(nil).Error(err, map[string]string{"component": "http"})
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
