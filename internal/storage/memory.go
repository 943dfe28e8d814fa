package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"suipic/internal/models"
)

// Memory is an in-process Storage with the same transition rules as the
// Postgres implementation. Records are copied in and out.
type Memory struct {
	mu     sync.Mutex
	images map[uuid.UUID]*models.Image
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{images: make(map[uuid.UUID]*models.Image), now: time.Now}
}

// SetClock replaces the time source used for created/claimed timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put stores img as-is, bypassing Create. Useful for seeding state.
func (m *Memory) Put(img *models.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.ID] = clone(img)
}

func (m *Memory) Create(_ context.Context, img *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	created := &models.Image{
		ID:         uuid.New(),
		AlbumID:    img.AlbumID,
		UploaderID: img.UploaderID,
		Filename:   img.Filename,
		Status:     models.StatusProcessing,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	m.images[created.ID] = created
	*img = *clone(created)
	return nil
}

func (m *Memory) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("storage.GetImage: %w", ErrNotFound)
	}
	return clone(img), nil
}

func (m *Memory) ListByAlbum(_ context.Context, albumID uuid.UUID) ([]*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Image
	for _, img := range m.images {
		if img.AlbumID == albumID {
			out = append(out, clone(img))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CapturedAt, out[j].CapturedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClaimNext(_ context.Context, workerID string, lease, minAge time.Duration) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *models.Image
	for _, img := range m.images {
		if img.Status != models.StatusProcessing || img.CreatedAt.After(now.Add(-minAge)) {
			continue
		}
		if img.ClaimedAt != nil && !img.ClaimedAt.Before(now.Add(-lease)) {
			continue
		}
		if next == nil || img.CreatedAt.Before(next.CreatedAt) {
			next = img
		}
	}
	if next == nil {
		return nil, ErrNoPending
	}
	next.ClaimedBy = &workerID
	next.ClaimedAt = &now
	return clone(next), nil
}

func (m *Memory) MarkReady(_ context.Context, id uuid.UUID, fullKey, thumbKey string, md models.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok || img.Status != models.StatusProcessing {
		return fmt.Errorf("storage.MarkReady: %w", ErrNotProcessing)
	}
	img.Status = models.StatusReady
	img.StorageKeyFull = &fullKey
	img.StorageKeyThumb = &thumbKey
	img.Metadata = md
	img.ClaimedBy, img.ClaimedAt = nil, nil
	img.ModifiedAt = m.now()
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok || img.Status != models.StatusProcessing {
		return fmt.Errorf("storage.MarkFailed: %w", ErrNotProcessing)
	}
	img.Status = models.StatusFailed
	img.StorageKeyFull, img.StorageKeyThumb = nil, nil
	img.ClaimedBy, img.ClaimedAt = nil, nil
	img.ModifiedAt = m.now()
	return nil
}

func (m *Memory) FindProcessingOlderThan(_ context.Context, cutoff time.Time) ([]*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Image
	for _, img := range m.images {
		if img.Status == models.StatusProcessing && img.CreatedAt.Before(cutoff) {
			out = append(out, clone(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, id)
	return nil
}

func (m *Memory) DeleteProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok || img.Status != models.StatusProcessing {
		return false, nil
	}
	delete(m.images, id)
	return true, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

func clone(img *models.Image) *models.Image {
	c := *img
	if img.Raw != nil {
		c.Raw = append([]byte(nil), img.Raw...)
	}
	return &c
}
