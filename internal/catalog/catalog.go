// Package catalog is the read side: image records with presigned derivative
// URLs generated on read.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"suipic/internal/models"
)

const DefaultURLTTL = time.Hour

type Store interface {
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ListByAlbum(ctx context.Context, albumID uuid.UUID) ([]*models.Image, error)
}

type Signer interface {
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type URLCache interface {
	Get(ctx context.Context, objectKey string) (string, bool, error)
	Store(ctx context.Context, objectKey, url string, ttl time.Duration) error
}

// View is an image as returned to readers. URLs are set only for ready images.
type View struct {
	*models.Image
	URLFull  string `json:"urlFull,omitempty"`
	URLThumb string `json:"urlThumb,omitempty"`
}

type Catalog struct {
	store  Store
	signer Signer
	cache  URLCache
	ttl    time.Duration
	log    *slog.Logger
}

// New builds a Catalog. cache may be nil.
func New(store Store, signer Signer, cache URLCache, ttl time.Duration, log *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Catalog{store: store, signer: signer, cache: cache, ttl: ttl, log: log}
}

func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	const op = "catalog.Get"

	img, err := c.store.GetImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v, err := c.view(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (c *Catalog) ListAlbum(ctx context.Context, albumID uuid.UUID) ([]*View, error) {
	const op = "catalog.ListAlbum"

	images, err := c.store.ListByAlbum(ctx, albumID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	views := make([]*View, 0, len(images))
	for _, img := range images {
		v, err := c.view(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		views = append(views, v)
	}
	return views, nil
}

func (c *Catalog) view(ctx context.Context, img *models.Image) (*View, error) {
	v := &View{Image: img}
	if img.Status != models.StatusReady || img.StorageKeyFull == nil || img.StorageKeyThumb == nil {
		return v, nil
	}

	var err error
	if v.URLFull, err = c.sign(ctx, *img.StorageKeyFull); err != nil {
		return nil, err
	}
	if v.URLThumb, err = c.sign(ctx, *img.StorageKeyThumb); err != nil {
		return nil, err
	}
	return v, nil
}

// sign returns a cached URL when one exists. Cached URLs live for half the
// signing TTL so a returned URL always has at least half its lifetime left.
func (c *Catalog) sign(ctx context.Context, key string) (string, error) {
	if c.cache != nil {
		url, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Debug("url cache read failed", "key", key, "error", err)
		} else if ok {
			return url, nil
		}
	}

	url, err := c.signer.PresignedURL(ctx, key, c.ttl)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		if err := c.cache.Store(ctx, key, url, c.ttl/2); err != nil {
			c.log.Debug("url cache write failed", "key", key, "error", err)
		}
	}
	return url, nil
}
