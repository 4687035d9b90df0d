package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/vidgen/internal/db"
	"github.com/vidfriends/vidgen/internal/models"
)

const videoColumns = `id, user_id, prompt, aspect_ratio, duration, resolution, frame_rate, storage_key, thumbnail_key,
        video_url, thumbnail_url, job_id, status, generation_seconds, error_message, title, tags,
        is_favorite, share_count, view_count, created_at, updated_at`

// PostgresVideoRepository provides PostgreSQL-backed persistence for video metadata.
type PostgresVideoRepository struct {
	pool db.Pool
}

// NewPostgresVideoRepository constructs a video repository backed by PostgreSQL.
func NewPostgresVideoRepository(pool db.Pool) *PostgresVideoRepository {
	return &PostgresVideoRepository{pool: pool}
}

// Upsert inserts the record or overwrites the mutable columns of the row with the same id.
func (r *PostgresVideoRepository) Upsert(ctx context.Context, video models.Video) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tags := video.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO videos (`+videoColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
        ON CONFLICT (id) DO UPDATE SET
            prompt = EXCLUDED.prompt,
            aspect_ratio = EXCLUDED.aspect_ratio,
            duration = EXCLUDED.duration,
            resolution = EXCLUDED.resolution,
            frame_rate = EXCLUDED.frame_rate,
            thumbnail_key = EXCLUDED.thumbnail_key,
            video_url = EXCLUDED.video_url,
            thumbnail_url = EXCLUDED.thumbnail_url,
            job_id = EXCLUDED.job_id,
            status = EXCLUDED.status,
            generation_seconds = EXCLUDED.generation_seconds,
            error_message = EXCLUDED.error_message,
            title = EXCLUDED.title,
            tags = EXCLUDED.tags,
            is_favorite = EXCLUDED.is_favorite,
            share_count = EXCLUDED.share_count,
            view_count = EXCLUDED.view_count,
            updated_at = EXCLUDED.updated_at
    `,
		video.ID, video.UserID, video.Prompt, string(video.AspectRatio), video.Duration, string(video.Resolution), video.FrameRate,
		video.StorageKey, video.ThumbnailKey, video.VideoURL, video.ThumbnailURL, video.JobID, string(video.Status),
		video.GenerationSeconds, video.ErrorMessage, video.Title, tags, video.IsFavorite, video.ShareCount, video.ViewCount,
		video.CreatedAt.UTC(), video.UpdatedAt.UTC(),
	)
	if err != nil {
		switch pgCode(err) {
		case uniqueViolation:
			return ErrConflict
		case foreignKeyViolation:
			return ErrNotFound
		}
		return fmt.Errorf("upsert video: %w", err)
	}

	return nil
}

// Find fetches a single record by id.
func (r *PostgresVideoRepository) Find(ctx context.Context, id string) (models.Video, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT `+videoColumns+`
        FROM videos
        WHERE id = $1
    `, id)

	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("select video: %w", err)
	}
	return video, nil
}

// ListByUser returns every record owned by userID, newest first.
func (r *PostgresVideoRepository) ListByUser(ctx context.Context, userID string) ([]models.Video, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+videoColumns+`
        FROM videos
        WHERE user_id = $1
        ORDER BY created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}

	return videos, nil
}

// CountByUser returns how many records userID owns.
func (r *PostgresVideoRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var count int
	if err := conn.QueryRow(ctx, `SELECT count(*) FROM videos WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count videos: %w", err)
	}
	return count, nil
}

// UpdateStatus sets the status, error message and update stamp of one record.
func (r *PostgresVideoRepository) UpdateStatus(ctx context.Context, id string, status models.VideoStatus, errorMessage *string, updatedAt time.Time) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE videos
        SET status = $2, error_message = $3, updated_at = $4
        WHERE id = $1
    `, id, string(status), errorMessage, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update video status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a record by id.
func (r *PostgresVideoRepository) Delete(ctx context.Context, id string) error {
	return r.deleteWhere(ctx, "id", id)
}

// DeleteByStorageKey removes the record whose artifact lives at key.
func (r *PostgresVideoRepository) DeleteByStorageKey(ctx context.Context, key string) error {
	return r.deleteWhere(ctx, "storage_key", key)
}

func (r *PostgresVideoRepository) deleteWhere(ctx context.Context, column, value string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM videos WHERE `+column+` = $1`, value)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video                    models.Video
		aspect, resolution, stat string
	)
	err := row.Scan(
		&video.ID, &video.UserID, &video.Prompt, &aspect, &video.Duration, &resolution, &video.FrameRate,
		&video.StorageKey, &video.ThumbnailKey, &video.VideoURL, &video.ThumbnailURL, &video.JobID, &stat,
		&video.GenerationSeconds, &video.ErrorMessage, &video.Title, &video.Tags, &video.IsFavorite,
		&video.ShareCount, &video.ViewCount, &video.CreatedAt, &video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}

	video.AspectRatio = models.AspectRatio(aspect)
	video.Resolution = models.Resolution(resolution)
	video.Status = models.VideoStatus(stat)
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}
