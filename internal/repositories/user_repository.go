package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/vidgen/internal/db"
	"github.com/vidfriends/vidgen/internal/models"
)

const userColumns = `id, auth_id, provider_id, email, display_name, email_verified, avatar_url, tier,
        daily_generations, last_daily_reset, total_generated, last_generation_at, total_storage_used,
        default_aspect_ratio, default_duration, notifications_enabled, created_at, updated_at`

// PostgresUserRepository provides PostgreSQL-backed persistence for user profiles.
type PostgresUserRepository struct {
	pool db.Pool
}

// NewPostgresUserRepository constructs a user repository backed by PostgreSQL.
func NewPostgresUserRepository(pool db.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Upsert inserts the profile or, when a row with the same auth id exists,
// overwrites its mutable columns. The local id of an existing row is kept.
func (r *PostgresUserRepository) Upsert(ctx context.Context, user models.User) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if user.LastDailyReset.IsZero() {
		user.LastDailyReset = now
	}
	if user.Tier == "" {
		user.Tier = models.TierFree
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO users (`+userColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        ON CONFLICT (auth_id) DO UPDATE SET
            provider_id = EXCLUDED.provider_id,
            email = EXCLUDED.email,
            display_name = EXCLUDED.display_name,
            email_verified = EXCLUDED.email_verified,
            avatar_url = EXCLUDED.avatar_url,
            tier = EXCLUDED.tier,
            daily_generations = EXCLUDED.daily_generations,
            last_daily_reset = EXCLUDED.last_daily_reset,
            total_generated = EXCLUDED.total_generated,
            last_generation_at = EXCLUDED.last_generation_at,
            total_storage_used = EXCLUDED.total_storage_used,
            default_aspect_ratio = EXCLUDED.default_aspect_ratio,
            default_duration = EXCLUDED.default_duration,
            notifications_enabled = EXCLUDED.notifications_enabled,
            updated_at = EXCLUDED.updated_at
    `,
		user.ID, user.AuthID, user.ProviderID, user.Email, user.DisplayName, user.EmailVerified, user.AvatarURL, string(user.Tier),
		user.DailyGenerations, user.LastDailyReset.UTC(), user.TotalGenerated, utcPtr(user.LastGenerationAt), user.TotalStorageUsed,
		string(user.DefaultAspectRatio), user.DefaultDuration, user.NotificationsEnabled, user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	if err != nil {
		if pgCode(err) == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("upsert user: %w", err)
	}

	return nil
}

// FindByAuthID fetches a profile by its backend auth id.
func (r *PostgresUserRepository) FindByAuthID(ctx context.Context, authID string) (models.User, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT `+userColumns+`
        FROM users
        WHERE auth_id = $1
    `, authID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("select user by auth id: %w", err)
	}

	return user, nil
}

// UpdatePreferences writes the non-nil fields of update to the profile with authID.
func (r *PostgresUserRepository) UpdatePreferences(ctx context.Context, authID string, update models.ProfileUpdate) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var aspect, tier *string
	if update.DefaultAspectRatio != nil {
		v := string(*update.DefaultAspectRatio)
		aspect = &v
	}
	if update.Tier != nil {
		v := string(*update.Tier)
		tier = &v
	}

	tag, err := conn.Exec(ctx, `
        UPDATE users
        SET display_name = COALESCE($2, display_name),
            avatar_url = COALESCE($3, avatar_url),
            default_aspect_ratio = COALESCE($4, default_aspect_ratio),
            default_duration = COALESCE($5, default_duration),
            notifications_enabled = COALESCE($6, notifications_enabled),
            tier = COALESCE($7, tier),
            updated_at = $8
        WHERE auth_id = $1
    `, authID, update.DisplayName, update.AvatarURL, aspect, update.DefaultDuration, update.NotificationsEnabled, tier, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user preferences: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var (
		user            models.User
		tier, aspect    string
		lastGeneratedAt *time.Time
	)
	err := row.Scan(
		&user.ID, &user.AuthID, &user.ProviderID, &user.Email, &user.DisplayName, &user.EmailVerified, &user.AvatarURL, &tier,
		&user.DailyGenerations, &user.LastDailyReset, &user.TotalGenerated, &lastGeneratedAt, &user.TotalStorageUsed,
		&aspect, &user.DefaultDuration, &user.NotificationsEnabled, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return models.User{}, err
	}

	user.Tier = models.Tier(tier)
	user.DefaultAspectRatio = models.AspectRatio(aspect)
	user.LastDailyReset = user.LastDailyReset.UTC()
	user.LastGenerationAt = utcPtr(lastGeneratedAt)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
