package repositories

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/db"
)

// PostgresSessionStore persists refresh sessions. Only a SHA-256 digest of each
// refresh token is stored.
type PostgresSessionStore struct {
	pool db.Pool
}

// NewPostgresSessionStore constructs a session store backed by PostgreSQL.
func NewPostgresSessionStore(pool db.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

type sessionRow struct {
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Save stores a session, replacing any row for the same token.
func (s *PostgresSessionStore) Save(ctx context.Context, session auth.Session) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        INSERT INTO sessions (token_hash, user_id, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (token_hash)
        DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
    `, tokenHash(session.RefreshToken), session.UserID, session.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Find loads the session issued for refreshToken.
func (s *PostgresSessionStore) Find(ctx context.Context, refreshToken string) (auth.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return auth.Session{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT user_id, expires_at
        FROM sessions
        WHERE token_hash = $1
    `, tokenHash(refreshToken))
	if err != nil {
		return auth.Session{}, fmt.Errorf("select session: %w", err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[sessionRow])
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return auth.Session{}, auth.ErrSessionNotFound
	case err != nil:
		return auth.Session{}, fmt.Errorf("scan session: %w", err)
	}

	return auth.Session{RefreshToken: refreshToken, UserID: row.UserID, ExpiresAt: row.ExpiresAt.UTC()}, nil
}

// Delete removes the session for refreshToken, reporting auth.ErrSessionNotFound
// when there is none.
func (s *PostgresSessionStore) Delete(ctx context.Context, refreshToken string) error {
	n, err := s.exec(ctx, "delete session", `DELETE FROM sessions WHERE token_hash = $1`, tokenHash(refreshToken))
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrSessionNotFound
	}
	return nil
}

// PurgeExpired removes every session that expired before now and returns how many were dropped.
func (s *PostgresSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "purge sessions", `DELETE FROM sessions WHERE expires_at < $1`, now.UTC())
}

func (s *PostgresSessionStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func tokenHash(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
