// Package worker runs the transcoding loop: claim a processing image, build
// its derivatives and settle it as ready or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"suipic/internal/events"
	"suipic/internal/models"
	"suipic/internal/storage"
	"suipic/internal/transcode"
)

var (
	// ErrImageFailed wraps the cause of an image that was marked failed.
	ErrImageFailed = errors.New("image processing failed")
	// ErrClaimLost means the image left processing (reaped or finished by
	// another worker) before this worker could commit it.
	ErrClaimLost = errors.New("image left processing before commit")
)

type Store interface {
	ClaimNext(ctx context.Context, workerID string, lease, minAge time.Duration) (*models.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	MarkReady(ctx context.Context, id uuid.UUID, fullKey, thumbKey string, md models.Metadata) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type Objects interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

type Transcoder interface {
	Process(ctx context.Context, src []byte) (*transcode.Result, error)
}

type Reporter interface {
	ImageFailed(img *models.Image, stage string, err error)
}

type Config struct {
	ID              string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	LeaseTTL        time.Duration
	ClaimDelay      time.Duration
}

type Deps struct {
	Store      Store
	Objects    Objects
	Transcoder Transcoder
	Events     events.Publisher
	Reporter   Reporter
	Logger     *slog.Logger
	// Extract defaults to transcode.ExtractMetadata.
	Extract func(src []byte) models.Metadata
	// Wake, when set, cuts an idle sleep short.
	Wake <-chan struct{}
}

type Worker struct {
	cfg Config
	Deps
}

func New(cfg Config, deps Deps) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Extract == nil {
		deps.Extract = transcode.ExtractMetadata
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("worker_id", cfg.ID)
	return &Worker{cfg: cfg, Deps: deps}
}

// DefaultID is hostname-pid, unique enough for lease ownership.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run polls until ctx is cancelled. Empty polls back off from PollInterval
// up to MaxPollInterval; any processed image or wake-up resets the interval.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"max_poll_interval", w.cfg.MaxPollInterval,
		"lease_ttl", w.cfg.LeaseTTL)

	idle := w.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			w.Logger.Info("worker stopped")
			return nil
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil &&
			!errors.Is(err, ErrImageFailed) && !errors.Is(err, ErrClaimLost) {
			w.Logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			idle = w.cfg.PollInterval
			continue
		}

		if w.sleep(ctx, idle) {
			// An upload event means the original is staged, but its record is
			// still younger than ClaimDelay; claim once it has aged past it.
			idle = w.cfg.PollInterval
			w.pause(ctx, w.cfg.ClaimDelay)
			continue
		}
		idle = w.nextInterval(idle)
	}
}

// pause waits d or until ctx ends, ignoring wake-ups.
func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) nextInterval(cur time.Duration) time.Duration {
	next := cur * 2
	if next > w.cfg.MaxPollInterval {
		next = w.cfg.MaxPollInterval
	}
	return next
}

// sleep reports whether it was cut short by a wake-up.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	case <-w.Wake:
		return true
	}
}

// ProcessNext claims and processes at most one image. It reports whether an
// image was claimed. A non-nil error with processed=true wraps ErrImageFailed
// or ErrClaimLost, or is the context error when processing was interrupted.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	const op = "worker.ProcessNext"

	img, err := w.Store.ClaimNext(ctx, w.cfg.ID, w.cfg.LeaseTTL, w.cfg.ClaimDelay)
	if errors.Is(err, storage.ErrNoPending) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, w.process(ctx, img)
}

func (w *Worker) process(ctx context.Context, img *models.Image) error {
	log := w.Logger.With("image_id", img.ID, "album_id", img.AlbumID)
	start := time.Now()

	tempKey := models.TempKey(img.ID)
	src, err := w.Objects.Get(ctx, tempKey)
	if err != nil {
		return w.fail(ctx, img, "fetch", err, false, log)
	}

	md := w.Extract(src)

	res, err := w.Transcoder.Process(ctx, src)
	if err != nil {
		return w.fail(ctx, img, "transform", err, false, log)
	}

	fullKey := models.FullKey(img.AlbumID, img.ID)
	thumbKey := models.ThumbKey(img.AlbumID, img.ID)
	if err := w.upload(ctx, fullKey, thumbKey, res); err != nil {
		return w.fail(ctx, img, "upload", err, true, log)
	}

	if err := w.Store.MarkReady(ctx, img.ID, fullKey, thumbKey, md); err != nil {
		if errors.Is(err, storage.ErrNotProcessing) {
			w.abandon(ctx, img, log)
			return fmt.Errorf("%w: %s", ErrClaimLost, img.ID)
		}
		return w.fail(ctx, img, "commit", err, true, log)
	}

	if err := w.Objects.Delete(ctx, tempKey); err != nil {
		log.Warn("failed to delete staged original", "key", tempKey, "error", err)
	}

	img.Status = models.StatusReady
	img.StorageKeyFull, img.StorageKeyThumb = &fullKey, &thumbKey
	img.Metadata = md
	if err := w.Events.Publish(ctx, events.NewEvent(events.ImageReady, img)); err != nil {
		log.Warn("failed to publish ready event", "error", err)
	}

	log.Info("image ready",
		"full_bytes", len(res.Full.Data),
		"thumb_bytes", len(res.Thumb.Data),
		"duration", time.Since(start))
	return nil
}

// upload writes both derivatives concurrently. Either failing fails both.
func (w *Worker) upload(ctx context.Context, fullKey, thumbKey string, res *transcode.Result) error {
	g, gctx := errgroup.WithContext(ctx)
	put := func(key string, d transcode.Derivative) func() error {
		return func() error {
			return w.Objects.Put(gctx, key, d.Data, transcode.ContentType)
		}
	}
	g.Go(put(fullKey, res.Full))
	g.Go(put(thumbKey, res.Thumb))
	return g.Wait()
}

// fail settles img as failed. When cleanup is set the derivative keys are
// deleted, but only after the failed transition succeeded.
func (w *Worker) fail(ctx context.Context, img *models.Image, stage string, cause error, cleanup bool, log *slog.Logger) error {
	if ctx.Err() != nil {
		log.Warn("processing interrupted, lease left to expire", "stage", stage, "error", cause)
		return ctx.Err()
	}

	err := fmt.Errorf("%w: %s: %w", ErrImageFailed, stage, cause)
	log.Error("image processing failed", "stage", stage, "error", cause)
	w.Reporter.ImageFailed(img, stage, cause)

	if mErr := w.Store.MarkFailed(ctx, img.ID); mErr != nil {
		if errors.Is(mErr, storage.ErrNotProcessing) {
			log.Warn("image left processing elsewhere, not marking failed")
			return fmt.Errorf("%w: %s", ErrClaimLost, img.ID)
		}
		return errors.Join(err, fmt.Errorf("mark failed: %w", mErr))
	}

	if cleanup {
		w.deleteDerivatives(ctx, img, log)
	}

	img.Status = models.StatusFailed
	img.StorageKeyFull, img.StorageKeyThumb = nil, nil
	e := events.NewEvent(events.ImageFailed, img)
	e.Error = cause.Error()
	if pErr := w.Events.Publish(ctx, e); pErr != nil {
		log.Warn("failed to publish failed event", "error", pErr)
	}
	return err
}

// abandon runs when MarkReady found the image no longer processing. If the
// record is gone the derivatives just written are orphans and are removed;
// if another worker finished it they belong to that worker's commit.
func (w *Worker) abandon(ctx context.Context, img *models.Image, log *slog.Logger) {
	_, err := w.Store.GetImage(ctx, img.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("image removed while processing, discarding derivatives")
		w.deleteDerivatives(ctx, img, log)
	case err != nil:
		log.Warn("image left processing, state unknown", "error", err)
	default:
		log.Warn("image settled by another worker")
	}
}

func (w *Worker) deleteDerivatives(ctx context.Context, img *models.Image, log *slog.Logger) {
	var wg sync.WaitGroup
	for _, key := range []string{models.FullKey(img.AlbumID, img.ID), models.ThumbKey(img.AlbumID, img.ID)} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := w.Objects.Delete(ctx, key); err != nil {
				log.Warn("failed to delete derivative", "key", key, "error", err)
			}
		}(key)
	}
	wg.Wait()
}

type nopReporter struct{}

func (nopReporter) ImageFailed(*models.Image, string, error) {}
