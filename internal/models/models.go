// internal/models/image.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusProcessing Status = "processing" // only non-terminal state
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Metadata is the best-effort camera metadata extracted from an original.
// Every field is optional; Raw holds the full tag set as a JSON object.
type Metadata struct {
	Make        *string         `db:"make" json:"make,omitempty"`
	Model       *string         `db:"model" json:"model,omitempty"`
	Lens        *string         `db:"lens" json:"lens,omitempty"`
	ISO         *int            `db:"iso" json:"iso,omitempty"`
	Shutter     *string         `db:"shutter" json:"shutter,omitempty"`
	Aperture    *string         `db:"aperture" json:"aperture,omitempty"`
	FocalLength *string         `db:"focal_length" json:"focalLength,omitempty"`
	CapturedAt  *time.Time      `db:"captured_at" json:"capturedAt,omitempty"`
	Raw         json.RawMessage `db:"metadata_json" json:"metadataJson,omitempty"`
}

func (m Metadata) Empty() bool {
	return m.Make == nil && m.Model == nil && m.Lens == nil && m.ISO == nil &&
		m.Shutter == nil && m.Aperture == nil && m.FocalLength == nil &&
		m.CapturedAt == nil && len(m.Raw) == 0
}

type Image struct {
	ID         uuid.UUID `db:"id" json:"id"`
	AlbumID    uuid.UUID `db:"album_id" json:"albumId"`
	UploaderID uuid.UUID `db:"uploader_photographer_id" json:"uploaderId"`
	Filename   string    `db:"filename" json:"filename"`
	Status     Status    `db:"status" json:"status"`

	// Set only once Status is ready.
	StorageKeyFull  *string `db:"storage_key_full" json:"storageKeyFull"`
	StorageKeyThumb *string `db:"storage_key_thumb" json:"storageKeyThumb"`

	Metadata

	// Worker lease.
	ClaimedBy *string    `db:"claimed_by" json:"-"`
	ClaimedAt *time.Time `db:"claimed_at" json:"-"`

	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	ModifiedAt time.Time `db:"modified_at" json:"modifiedAt"`
}

// HasDerivatives reports whether either derivative key is set.
func (img *Image) HasDerivatives() bool {
	return img.StorageKeyFull != nil || img.StorageKeyThumb != nil
}
