// Package events publishes image lifecycle transitions to Kafka and turns
// upload events back into worker wake-ups.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"suipic/internal/models"
)

type Type string

const (
	ImageUploaded Type = "image.uploaded"
	ImageReady    Type = "image.ready"
	ImageFailed   Type = "image.failed"
	ImageReaped   Type = "image.reaped"
)

type Event struct {
	Type            Type          `json:"type"`
	ImageID         uuid.UUID     `json:"imageId"`
	AlbumID         uuid.UUID     `json:"albumId"`
	Status          models.Status `json:"status,omitempty"`
	StorageKeyFull  string        `json:"storageKeyFull,omitempty"`
	StorageKeyThumb string        `json:"storageKeyThumb,omitempty"`
	Error           string        `json:"error,omitempty"`
	HappenedAt      time.Time     `json:"happenedAt"`
}

func NewEvent(t Type, img *models.Image) Event {
	e := Event{
		Type:       t,
		ImageID:    img.ID,
		AlbumID:    img.AlbumID,
		Status:     img.Status,
		HappenedAt: time.Now().UTC(),
	}
	if img.StorageKeyFull != nil {
		e.StorageKeyFull = *img.StorageKeyFull
	}
	if img.StorageKeyThumb != nil {
		e.StorageKeyThumb = *img.StorageKeyThumb
	}
	return e
}

// Publisher delivers lifecycle events. Callers treat delivery as best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
