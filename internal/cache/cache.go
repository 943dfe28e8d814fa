package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// URLCache stores presigned URLs by object key so repeated reads do not
// re-sign.
type URLCache struct {
	Redis     redis.UniversalClient
	Namespace string
}

func NewURLCache(namespace string, rdb redis.UniversalClient) *URLCache {
	return &URLCache{Namespace: namespace, Redis: rdb}
}

func (c *URLCache) key(objectKey string) string {
	return c.Namespace + ":url:" + objectKey
}

// Get returns the cached URL and whether one was found.
func (c *URLCache) Get(ctx context.Context, objectKey string) (string, bool, error) {
	val, err := c.Redis.Get(ctx, c.key(objectKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *URLCache) Store(ctx context.Context, objectKey, url string, ttl time.Duration) error {
	return c.Redis.Set(ctx, c.key(objectKey), url, ttl).Err()
}
