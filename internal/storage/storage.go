package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"suipic/internal/models"
)

var (
	ErrNotFound = errors.New("image not found")
	// ErrNoPending is returned by ClaimNext when there is nothing to claim.
	ErrNoPending = errors.New("no claimable processing image")
	// ErrNotProcessing is returned when a transition finds the record
	// already out of the processing state (or gone).
	ErrNotProcessing = errors.New("image is not processing")
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.New"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const imageColumns = `id, album_id, uploader_photographer_id, filename, status::text,
	storage_key_full, storage_key_thumb,
	make, model, lens, iso, shutter, aperture, focal_length, captured_at, metadata_json,
	claimed_by, claimed_at, created_at, modified_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var (
		img    models.Image
		status string
		raw    []byte
	)
	err := row.Scan(&img.ID, &img.AlbumID, &img.UploaderID, &img.Filename, &status,
		&img.StorageKeyFull, &img.StorageKeyThumb,
		&img.Make, &img.Model, &img.Lens, &img.ISO, &img.Shutter, &img.Aperture, &img.FocalLength,
		&img.CapturedAt, &raw,
		&img.ClaimedBy, &img.ClaimedAt, &img.CreatedAt, &img.ModifiedAt)
	if err != nil {
		return nil, err
	}
	img.Status = models.Status(status)
	if len(raw) > 0 && string(raw) != "{}" {
		img.Raw = raw
	}
	return &img, nil
}

// Create inserts img as a fresh processing record. ID and timestamps are
// assigned by the database and written back into img.
func (s *Storage) Create(ctx context.Context, img *models.Image) error {
	const op = "storage.Create"

	row := s.pool.QueryRow(ctx,
		`INSERT INTO images (album_id, uploader_photographer_id, filename, status)
		VALUES ($1, $2, $3, 'processing')
		RETURNING `+imageColumns,
		img.AlbumID, img.UploaderID, img.Filename)
	created, err := scanImage(row)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	*img = *created
	return nil
}

func (s *Storage) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImage"

	img, err := scanImage(s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func (s *Storage) ListByAlbum(ctx context.Context, albumID uuid.UUID) ([]*models.Image, error) {
	const op = "storage.ListByAlbum"

	return s.query(ctx, op,
		`SELECT `+imageColumns+` FROM images
		WHERE album_id = $1
		ORDER BY captured_at DESC NULLS LAST, created_at DESC`, albumID)
}

// ClaimNext leases the oldest processing record that nobody holds (or whose
// lease is older than lease) to workerID. Records younger than minAge are
// skipped so an upload still being staged is not picked up.
func (s *Storage) ClaimNext(ctx context.Context, workerID string, lease, minAge time.Duration) (*models.Image, error) {
	const op = "storage.ClaimNext"

	img, err := scanImage(s.pool.QueryRow(ctx,
		`UPDATE images SET claimed_by = $1, claimed_at = now()
		WHERE id = (
			SELECT id FROM images
			WHERE status = 'processing'
			  AND created_at <= now() - $3::bigint * interval '1 millisecond'
			  AND (claimed_at IS NULL OR claimed_at < now() - $2::bigint * interval '1 millisecond')
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+imageColumns,
		workerID, lease.Milliseconds(), minAge.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// MarkReady moves a processing record to ready with both derivative keys
// and the extracted metadata in a single statement.
func (s *Storage) MarkReady(ctx context.Context, id uuid.UUID, fullKey, thumbKey string, md models.Metadata) error {
	const op = "storage.MarkReady"

	raw := "{}"
	if len(md.Raw) > 0 {
		raw = string(md.Raw)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET status = 'ready',
			storage_key_full = $2, storage_key_thumb = $3,
			make = $4, model = $5, lens = $6, iso = $7, shutter = $8, aperture = $9,
			focal_length = $10, captured_at = $11, metadata_json = $12::jsonb,
			claimed_by = NULL, claimed_at = NULL, modified_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, fullKey, thumbKey,
		md.Make, md.Model, md.Lens, md.ISO, md.Shutter, md.Aperture,
		md.FocalLength, md.CapturedAt, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotProcessing)
	}
	return nil
}

// MarkFailed moves a processing record to failed. Keys are cleared and any
// metadata is left as it was.
func (s *Storage) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const op = "storage.MarkFailed"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET status = 'failed',
			storage_key_full = NULL, storage_key_thumb = NULL,
			claimed_by = NULL, claimed_at = NULL, modified_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotProcessing)
	}
	return nil
}

func (s *Storage) FindProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Image, error) {
	const op = "storage.FindProcessingOlderThan"

	return s.query(ctx, op,
		`SELECT `+imageColumns+` FROM images
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at`, cutoff)
}

func (s *Storage) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "storage.Delete"

	if _, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteProcessing removes the record only while it is still processing.
// It reports whether a row was deleted.
func (s *Storage) DeleteProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "storage.DeleteProcessing"

	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Storage) query(ctx context.Context, op, q string, args ...any) ([]*models.Image, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var images []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}
