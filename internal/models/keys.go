package models

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	TempPrefix   = "temp/"
	AlbumsPrefix = "albums/"

	// DerivativeExt matches the encoding produced by the transcoder.
	DerivativeExt = "webp"
)

// TempKey is where an accepted upload is staged until the worker consumes it.
func TempKey(imageID uuid.UUID) string {
	return TempPrefix + imageID.String()
}

func FullKey(albumID, imageID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s/full.%s", AlbumsPrefix, albumID, imageID, DerivativeExt)
}

func ThumbKey(albumID, imageID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s/thumb.%s", AlbumsPrefix, albumID, imageID, DerivativeExt)
}
