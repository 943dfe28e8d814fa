package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"suipic/internal/cache"
	"suipic/internal/events"
	"suipic/internal/models"
	"suipic/internal/objectstore"
)

func openObjects(ctx context.Context, cfg *models.Config) (*objectstore.Gateway, error) {
	gw, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:     cfg.S3.Endpoint,
		Region:       cfg.S3.Region,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		Bucket:       cfg.S3.Bucket,
		UsePathStyle: cfg.S3.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err := gw.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", gw.Bucket(), err)
	}
	return gw, nil
}

// openPublisher returns a Kafka publisher when brokers are configured. The
// returned close func is always safe to call.
func openPublisher(cfg *models.Config) (events.Publisher, func()) {
	if !cfg.Kafka.Enabled() {
		slog.Info("kafka not configured, lifecycle events disabled")
		return events.Nop{}, func() {}
	}
	pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	return pub, func() {
		if err := pub.Close(); err != nil {
			slog.Warn("failed to close kafka writer", "error", err)
		}
	}
}

// openURLCache returns nil when redis is disabled or unreachable; the read
// path then signs every request.
func openURLCache(ctx context.Context, cfg *models.Config) (*cache.URLCache, func()) {
	if !cfg.Redis.Enabled {
		return nil, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, url cache disabled", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return nil, func() {}
	}
	return cache.NewURLCache(cfg.Redis.Prefix, rdb), func() { _ = rdb.Close() }
}
