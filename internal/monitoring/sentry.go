package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	"suipic/internal/models"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry configures the global client. An empty DSN leaves reporting
// disabled.
func InitSentry(cfg SentryConfig) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
}

func Flush() {
	sentry.Flush(2 * time.Second)
}

type Reporter struct {
	hub *sentry.Hub
}

// NewReporter reports through hub, or the global hub when nil.
func NewReporter(hub *sentry.Hub) *Reporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Reporter{hub: hub}
}

// ImageFailed records a transcoding failure tagged with the image and the
// pipeline stage that failed.
func (r *Reporter) ImageFailed(img *models.Image, stage string, err error) {
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("image_id", img.ID.String())
		scope.SetTag("album_id", img.AlbumID.String())
		scope.SetTag("stage", stage)
		hub.CaptureException(err)
	})
}

func (r *Reporter) Error(err error, tags map[string]string) {
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}
