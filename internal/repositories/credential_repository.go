package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/vidgen/internal/auth"
	"github.com/vidfriends/vidgen/internal/db"
)

// PostgresCredentialStore persists password credentials to PostgreSQL.
type PostgresCredentialStore struct {
	pool db.Pool
}

// NewPostgresCredentialStore constructs a credential store backed by PostgreSQL.
func NewPostgresCredentialStore(pool db.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

// Create inserts a credential. A taken email reports auth.ErrAccountExists.
func (s *PostgresCredentialStore) Create(ctx context.Context, cred auth.Credential) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO auth_credentials (user_id, email, password_hash, display_name, email_verified, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, cred.UserID, cred.Email, cred.PasswordHash, cred.DisplayName, cred.EmailVerified, cred.CreatedAt.UTC())
	if err != nil {
		if pgCode(err) == uniqueViolation {
			return auth.ErrAccountExists
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

// FindByEmail loads a credential by normalized email.
func (s *PostgresCredentialStore) FindByEmail(ctx context.Context, email string) (auth.Credential, error) {
	return s.findBy(ctx, "email", email)
}

// FindByUserID loads a credential by user id.
func (s *PostgresCredentialStore) FindByUserID(ctx context.Context, userID string) (auth.Credential, error) {
	return s.findBy(ctx, "user_id", userID)
}

func (s *PostgresCredentialStore) findBy(ctx context.Context, column, value string) (auth.Credential, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT user_id, email, password_hash, display_name, email_verified, created_at
        FROM auth_credentials
        WHERE `+column+` = $1
    `, value)

	var cred auth.Credential
	if err := row.Scan(&cred.UserID, &cred.Email, &cred.PasswordHash, &cred.DisplayName, &cred.EmailVerified, &cred.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Credential{}, auth.ErrCredentialNotFound
		}
		return auth.Credential{}, fmt.Errorf("select credential: %w", err)
	}

	cred.CreatedAt = cred.CreatedAt.UTC()
	return cred, nil
}
