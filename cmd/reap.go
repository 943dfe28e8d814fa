package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"suipic/internal/reaper"
	"suipic/internal/storage"
)

var reapOlderThan int

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove images stuck in processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		minutes := cfg.Reaper.ThresholdMinutes
		if cmd.Flags().Changed("older-than-minutes") {
			minutes = reapOlderThan
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

		res, sweepErr := reaper.New(db, objects, pub, slog.Default()).Sweep(ctx, minutes)
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return sweepErr
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
	reapCmd.Flags().IntVar(&reapOlderThan, "older-than-minutes", reaper.DefaultThresholdMinutes, "Age threshold in minutes")
}
