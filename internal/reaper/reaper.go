// Package reaper removes images stuck in processing past an age threshold.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"suipic/internal/events"
	"suipic/internal/models"
)

const DefaultThresholdMinutes = 60

var ErrInvalidThreshold = errors.New("threshold must not be negative")

type Store interface {
	FindProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Image, error)
	DeleteProcessing(ctx context.Context, id uuid.UUID) (bool, error)
}

type Objects interface {
	Delete(ctx context.Context, key string) error
}

type Result struct {
	DeletedCount int    `json:"deletedCount"`
	Message      string `json:"message"`
}

func newResult(deleted int) Result {
	if deleted == 0 {
		return Result{Message: "No stuck images found"}
	}
	return Result{DeletedCount: deleted, Message: fmt.Sprintf("Cleaned up %d stuck processing images", deleted)}
}

type Reaper struct {
	store   Store
	objects Objects
	events  events.Publisher
	log     *slog.Logger
	now     func() time.Time
}

func New(store Store, objects Objects, pub events.Publisher, log *slog.Logger) *Reaper {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Reaper{store: store, objects: objects, events: pub, log: log, now: time.Now}
}

// Sweep deletes every processing image created more than olderThanMinutes
// ago, along with its staged original and any derivative objects. Records
// are never marked failed. An infrastructure error stops the sweep; the
// returned Result then counts what was removed before it.
func (r *Reaper) Sweep(ctx context.Context, olderThanMinutes int) (Result, error) {
	const op = "reaper.Sweep"

	if olderThanMinutes < 0 {
		return Result{}, fmt.Errorf("%s: %w", op, ErrInvalidThreshold)
	}

	cutoff := r.now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	stuck, err := r.store.FindProcessingOlderThan(ctx, cutoff)
	if err != nil {
		return newResult(0), fmt.Errorf("%s: %w", op, err)
	}

	deleted := 0
	for _, img := range stuck {
		removed, err := r.remove(ctx, img)
		if err != nil {
			return newResult(deleted), fmt.Errorf("%s: image %s: %w", op, img.ID, err)
		}
		if removed {
			deleted++
		}
	}

	res := newResult(deleted)
	r.log.Info("stuck image sweep finished",
		"older_than_minutes", olderThanMinutes,
		"candidates", len(stuck),
		"deleted", deleted)
	return res, nil
}

func (r *Reaper) remove(ctx context.Context, img *models.Image) (bool, error) {
	// Processing records should not carry keys, but clear them if they do.
	for _, key := range []*string{img.StorageKeyFull, img.StorageKeyThumb} {
		if key == nil {
			continue
		}
		if err := r.objects.Delete(ctx, *key); err != nil {
			return false, err
		}
	}
	if err := r.objects.Delete(ctx, models.TempKey(img.ID)); err != nil {
		return false, err
	}

	removed, err := r.store.DeleteProcessing(ctx, img.ID)
	if err != nil {
		return false, err
	}
	log := r.log.With("image_id", img.ID, "album_id", img.AlbumID)
	if !removed {
		log.Info("image settled before it could be reaped")
		return false, nil
	}

	log.Warn("reaped stuck image", "created_at", img.CreatedAt)
	if err := r.events.Publish(ctx, events.NewEvent(events.ImageReaped, img)); err != nil {
		log.Warn("failed to publish reaped event", "error", err)
	}
	return true, nil
}

// Schedule sweeps every interval until ctx is cancelled. Errors are logged
// and the next tick tries again.
func (r *Reaper) Schedule(ctx context.Context, interval time.Duration, olderThanMinutes int) {
	if interval <= 0 {
		return
	}
	r.log.Info("scheduled stuck image sweeps", "interval", interval, "older_than_minutes", olderThanMinutes)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, olderThanMinutes); err != nil && ctx.Err() == nil {
				r.log.Error("scheduled sweep failed", "error", err)
			}
		}
	}
}
