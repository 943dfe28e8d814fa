package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"suipic/internal/events"
	"suipic/internal/monitoring"
	"suipic/internal/storage"
	"suipic/internal/transcode"
	"suipic/internal/worker"
)

var workerOnce bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim processing images and transcode them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := slog.Default()

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

		wake := make(chan struct{}, 1)
		w := worker.New(worker.Config{
			ID:              cfg.Worker.ID,
			PollInterval:    cfg.Worker.PollInterval,
			MaxPollInterval: cfg.Worker.MaxPollInterval,
			LeaseTTL:        cfg.Worker.LeaseTTL,
			ClaimDelay:      cfg.Worker.ClaimDelay,
		}, worker.Deps{
			Store:   db,
			Objects: objects,
			Transcoder: transcode.NewProcessor(transcode.Options{
				FullQuality:  cfg.Transcode.FullQuality,
				ThumbQuality: cfg.Transcode.ThumbQuality,
				ThumbMaxEdge: cfg.Transcode.ThumbMaxEdge,
			}),
			Events:   pub,
			Reporter: monitoring.NewReporter(nil),
			Logger:   log,
			Wake:     wake,
		})

		if workerOnce {
			processed, err := w.ProcessNext(ctx)
			if err != nil && !errors.Is(err, worker.ErrImageFailed) && !errors.Is(err, worker.ErrClaimLost) {
				return err
			}
			log.Info("single pass finished", "processed", processed)
			return nil
		}

		if cfg.Kafka.Enabled() {
			go func() {
				err := events.Listen(ctx, events.ListenConfig{
					Brokers: cfg.Kafka.Brokers,
					Topic:   cfg.Kafka.Topic,
					GroupID: cfg.Kafka.GroupID,
				}, wake, log)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("upload listener stopped, polling only", "error", err)
				}
			}()
		}

		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Process at most one image and exit")
}
