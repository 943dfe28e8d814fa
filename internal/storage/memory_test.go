package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suipic/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.SetClock(clock.Now)
	return m, clock
}

func TestMemory_CreateStartsProcessing(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	img := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "a.jpg"}
	require.NoError(t, m.Create(ctx, img))

	assert.NotEqual(t, uuid.Nil, img.ID)
	assert.Equal(t, models.StatusProcessing, img.Status)
	assert.Nil(t, img.StorageKeyFull)
	assert.Nil(t, img.StorageKeyThumb)
	assert.True(t, img.Metadata.Empty())
}

func TestMemory_ClaimLease(t *testing.T) {
	m, clock := newMemory(t)
	ctx := context.Background()

	img := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "a.jpg"}
	require.NoError(t, m.Create(ctx, img))

	_, err := m.ClaimNext(ctx, "w1", time.Minute, time.Second)
	require.ErrorIs(t, err, ErrNoPending, "record younger than the claim delay")

	clock.Advance(2 * time.Second)
	claimed, err := m.ClaimNext(ctx, "w1", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, img.ID, claimed.ID)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "w1", *claimed.ClaimedBy)

	_, err = m.ClaimNext(ctx, "w2", time.Minute, time.Second)
	require.ErrorIs(t, err, ErrNoPending, "lease still held")

	clock.Advance(2 * time.Minute)
	reclaimed, err := m.ClaimNext(ctx, "w2", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w2", *reclaimed.ClaimedBy)
}

func TestMemory_ClaimOldestFirst(t *testing.T) {
	m, clock := newMemory(t)
	ctx := context.Background()

	first := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "1.jpg"}
	require.NoError(t, m.Create(ctx, first))
	clock.Advance(time.Second)
	second := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "2.jpg"}
	require.NoError(t, m.Create(ctx, second))

	got, err := m.ClaimNext(ctx, "w", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = m.ClaimNext(ctx, "w", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestMemory_SingleExitFromProcessing(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	img := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "a.jpg"}
	require.NoError(t, m.Create(ctx, img))

	camera := "Canon"
	require.NoError(t, m.MarkReady(ctx, img.ID, "full", "thumb", models.Metadata{Make: &camera}))
	require.ErrorIs(t, m.MarkFailed(ctx, img.ID), ErrNotProcessing)
	require.ErrorIs(t, m.MarkReady(ctx, img.ID, "x", "y", models.Metadata{}), ErrNotProcessing)

	got, err := m.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, "full", *got.StorageKeyFull)
	assert.Equal(t, "thumb", *got.StorageKeyThumb)
	assert.Equal(t, "Canon", *got.Make)
	assert.Nil(t, got.ClaimedBy)

	deleted, err := m.DeleteProcessing(ctx, img.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemory_FailedClearsKeys(t *testing.T) {
	m, _ := newMemory(t)
	ctx := context.Background()

	img := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "a.jpg"}
	require.NoError(t, m.Create(ctx, img))
	require.NoError(t, m.MarkFailed(ctx, img.ID))

	got, err := m.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, got.HasDerivatives())
}

func TestMemory_FindProcessingOlderThan(t *testing.T) {
	m, clock := newMemory(t)
	ctx := context.Background()

	old := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "old.jpg"}
	require.NoError(t, m.Create(ctx, old))
	clock.Advance(2 * time.Hour)
	fresh := &models.Image{AlbumID: uuid.New(), UploaderID: uuid.New(), Filename: "new.jpg"}
	require.NoError(t, m.Create(ctx, fresh))

	got, err := m.FindProcessingOlderThan(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)
}

func TestMemory_GetMissing(t *testing.T) {
	m, _ := newMemory(t)
	_, err := m.GetImage(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
