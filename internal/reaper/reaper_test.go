package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suipic/internal/events"
	"suipic/internal/logging"
	"suipic/internal/models"
	"suipic/internal/objectstore"
	"suipic/internal/storage"
)

var now = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.Memory
	objects *objectstore.Memory
	events  *events.Recorder
	reaper  *Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemory(),
		objects: objectstore.NewMemory(),
		events:  &events.Recorder{},
	}
	f.store.SetClock(func() time.Time { return now })
	f.reaper = New(f.store, f.objects, f.events, logging.Discard())
	f.reaper.now = func() time.Time { return now }
	return f
}

// seed inserts a record of the given status and age, with a staged original.
func (f *fixture) seed(t *testing.T, status models.Status, age time.Duration) *models.Image {
	t.Helper()
	img := &models.Image{
		ID:         uuid.New(),
		AlbumID:    uuid.New(),
		UploaderID: uuid.New(),
		Filename:   "x.jpg",
		Status:     status,
		CreatedAt:  now.Add(-age),
		ModifiedAt: now.Add(-age),
	}
	if status == models.StatusReady {
		full, thumb := models.FullKey(img.AlbumID, img.ID), models.ThumbKey(img.AlbumID, img.ID)
		img.StorageKeyFull, img.StorageKeyThumb = &full, &thumb
	}
	f.store.Put(img)
	require.NoError(t, f.objects.Put(context.Background(), models.TempKey(img.ID), []byte("orig"), "image/jpeg"))
	return img
}

func TestSweep_RemovesOldProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.seed(t, models.StatusProcessing, 120*time.Minute)
	fresh := f.seed(t, models.StatusProcessing, 0)

	res, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Equal(t, "Cleaned up 1 stuck processing images", res.Message)

	_, err = f.store.GetImage(ctx, old.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, ok := f.objects.Object(models.TempKey(old.ID))
	assert.False(t, ok)

	got, err := f.store.GetImage(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	_, ok = f.objects.Object(models.TempKey(fresh.ID))
	assert.True(t, ok)

	assert.Equal(t, []events.Type{events.ImageReaped}, f.events.Types())
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.StatusProcessing, 3*time.Hour)
	f.seed(t, models.StatusProcessing, 2*time.Hour)

	first, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 2, first.DeletedCount)

	second, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, Result{DeletedCount: 0, Message: "No stuck images found"}, second)
}

func TestSweep_LeavesSettledRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ready := f.seed(t, models.StatusReady, 5*time.Hour)
	failed := f.seed(t, models.StatusFailed, 5*time.Hour)

	res, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Zero(t, res.DeletedCount)

	for _, id := range []uuid.UUID{ready.ID, failed.ID} {
		_, err := f.store.GetImage(ctx, id)
		require.NoError(t, err)
	}
}

func TestSweep_DeletesStrayDerivatives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.seed(t, models.StatusProcessing, 2*time.Hour)
	full, thumb := models.FullKey(img.AlbumID, img.ID), models.ThumbKey(img.AlbumID, img.ID)
	img.StorageKeyFull, img.StorageKeyThumb = &full, &thumb
	f.store.Put(img)
	require.NoError(t, f.objects.Put(ctx, full, []byte("f"), "image/webp"))
	require.NoError(t, f.objects.Put(ctx, thumb, []byte("t"), "image/webp"))

	res, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Empty(t, f.objects.Keys(""))
}

func TestSweep_MissingTempObjectTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.seed(t, models.StatusProcessing, 2*time.Hour)
	require.NoError(t, f.objects.Delete(ctx, models.TempKey(img.ID)))

	res, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
}

func TestSweep_ZeroThresholdTakesEverythingProcessing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.StatusProcessing, time.Second)

	res, err := f.reaper.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedCount)
}

func TestSweep_NegativeThreshold(t *testing.T) {
	f := newFixture(t)
	_, err := f.reaper.Sweep(context.Background(), -5)
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestSweep_StorageErrorStopsSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.StatusProcessing, 3*time.Hour)
	second := f.seed(t, models.StatusProcessing, 2*time.Hour)

	boom := errors.New("internal error")
	f.objects.FailDelete = func(key string) error {
		if key == models.TempKey(second.ID) {
			return boom
		}
		return nil
	}

	res, err := f.reaper.Sweep(ctx, 60)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.DeletedCount)

	got, err := f.store.GetImage(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

type settlingStore struct {
	*storage.Memory
}

func (s settlingStore) DeleteProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	// a worker commits between the scan and the delete
	_ = s.Memory.MarkFailed(ctx, id)
	return s.Memory.DeleteProcessing(ctx, id)
}

func TestSweep_SkipsRecordSettledMidSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.seed(t, models.StatusProcessing, 2*time.Hour)
	f.reaper.store = settlingStore{f.store}

	res, err := f.reaper.Sweep(ctx, 60)
	require.NoError(t, err)
	assert.Zero(t, res.DeletedCount)

	got, err := f.store.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	img := f.seed(t, models.StatusProcessing, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reaper.Schedule(ctx, 10*time.Millisecond, 60)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := f.store.GetImage(context.Background(), img.ID)
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSchedule_DisabledReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	f.reaper.Schedule(context.Background(), 0, 60)
}
