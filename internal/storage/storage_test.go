package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suipic/internal/models"
)

// newTestStorage connects to TEST_DATABASE_URL and skips otherwise.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func createImage(t *testing.T, s *Storage) *models.Image {
	t.Helper()
	img := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "IMG_0001.JPG"}
	require.NoError(t, s.Create(context.Background(), img))
	t.Cleanup(func() { _ = s.Delete(context.Background(), img.ID) })
	return img
}

func TestStorage_CreateAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	img := createImage(t, s)
	assert.NotEqual(t, uuid.Nil, img.ID)
	assert.Equal(t, models.StatusProcessing, img.Status)
	assert.False(t, img.CreatedAt.IsZero())

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.AlbumID, got.AlbumID)
	assert.Equal(t, "IMG_0001.JPG", got.Filename)
	assert.Nil(t, got.StorageKeyFull)

	_, err = s.GetImage(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_MarkReadyPersistsMetadata(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	img := createImage(t, s)

	camera, iso := "NIKON CORPORATION", 400
	captured := time.Date(2024, 7, 14, 18, 30, 0, 0, time.UTC)
	md := models.Metadata{
		Make:       &camera,
		ISO:        &iso,
		CapturedAt: &captured,
		Raw:        json.RawMessage(`{"Make":"NIKON CORPORATION"}`),
	}
	full, thumb := models.FullKey(img.AlbumID, img.ID), models.ThumbKey(img.AlbumID, img.ID)
	require.NoError(t, s.MarkReady(ctx, img.ID, full, thumb, md))

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, full, *got.StorageKeyFull)
	assert.Equal(t, thumb, *got.StorageKeyThumb)
	assert.Equal(t, camera, *got.Make)
	assert.Equal(t, iso, *got.ISO)
	assert.True(t, captured.Equal(*got.CapturedAt))
	assert.JSONEq(t, `{"Make":"NIKON CORPORATION"}`, string(got.Raw))

	require.ErrorIs(t, s.MarkFailed(ctx, img.ID), ErrNotProcessing)
}

func TestStorage_MarkFailed(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	img := createImage(t, s)

	require.NoError(t, s.MarkFailed(ctx, img.ID))
	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, got.HasDerivatives())

	require.ErrorIs(t, s.MarkReady(ctx, img.ID, "a", "b", models.Metadata{}), ErrNotProcessing)
}

func TestStorage_ClaimIsExclusive(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createImage(t, s)

	claimed, err := s.ClaimNext(ctx, "worker-a", time.Hour, 0)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedBy)

	// Other tests may leave rows behind; keep claiming until ours would
	// have shown up again, which it must not.
	for {
		other, err := s.ClaimNext(ctx, "worker-b", time.Hour, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrNoPending)
			break
		}
		require.NotEqual(t, claimed.ID, other.ID)
	}
}

func TestStorage_DeleteProcessingGuard(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ready := createImage(t, s)
	require.NoError(t, s.MarkReady(ctx, ready.ID, "f", "t", models.Metadata{}))
	deleted, err := s.DeleteProcessing(ctx, ready.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	stuck := createImage(t, s)
	deleted, err = s.DeleteProcessing(ctx, stuck.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetImage(ctx, stuck.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_FindProcessingOlderThan(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	img := createImage(t, s)

	got, err := s.FindProcessingOlderThan(ctx, img.CreatedAt.Add(-time.Minute))
	require.NoError(t, err)
	for _, g := range got {
		assert.NotEqual(t, img.ID, g.ID)
	}

	got, err = s.FindProcessingOlderThan(ctx, img.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	var found bool
	for _, g := range got {
		found = found || g.ID == img.ID
	}
	assert.True(t, found)
}
