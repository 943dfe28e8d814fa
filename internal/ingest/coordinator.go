// Package ingest accepts uploads: it records them as processing and stages
// the original bytes for the worker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"suipic/internal/events"
	"suipic/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid upload request")
	// ErrStagingFailed means the record exists but its original was not
	// staged. The record stays processing until the reaper removes it.
	ErrStagingFailed = errors.New("staging upload failed")
)

type Store interface {
	Create(ctx context.Context, img *models.Image) error
}

type Objects interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type Request struct {
	AlbumID    uuid.UUID `validate:"required"`
	UploaderID uuid.UUID `validate:"required"`
	Filename   string    `validate:"required,max=255"`
	Payload    []byte    `validate:"required,min=1"`
}

type Coordinator struct {
	store    Store
	objects  Objects
	events   events.Publisher
	validate *validator.Validate
	log      *slog.Logger
}

func NewCoordinator(store Store, objects Objects, pub events.Publisher, log *slog.Logger) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{
		store:    store,
		objects:  objects,
		events:   pub,
		validate: validator.New(),
		log:      log,
	}
}

// Accept creates the processing record and stages the payload at its temp
// key. On a staging failure the created record is returned together with an
// error wrapping ErrStagingFailed; the record is not rolled back.
func (c *Coordinator) Accept(ctx context.Context, req Request) (*models.Image, error) {
	const op = "ingest.Accept"

	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidRequest, err)
	}

	img := &models.Image{
		AlbumID:    req.AlbumID,
		UploaderID: req.UploaderID,
		Filename:   req.Filename,
	}
	if err := c.store.Create(ctx, img); err != nil {
		return nil, fmt.Errorf("%s: create record: %w", op, err)
	}
	log := c.log.With("image_id", img.ID, "album_id", img.AlbumID)

	contentType := mimetype.Detect(req.Payload).String()
	if err := c.objects.Put(ctx, models.TempKey(img.ID), req.Payload, contentType); err != nil {
		log.Error("failed to stage upload", "error", err)
		return img, fmt.Errorf("%s: %w: %w", op, ErrStagingFailed, err)
	}

	if err := c.events.Publish(ctx, events.NewEvent(events.ImageUploaded, img)); err != nil {
		log.Warn("failed to publish upload event", "error", err)
	}
	log.Info("upload accepted", "bytes", len(req.Payload), "content_type", contentType)
	return img, nil
}
