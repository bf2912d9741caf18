package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/streamauth/internal/authkit"
)

const uniqueViolationCode = "23505"

const selectUserColumns = `
SELECT id, username, email, full_name, password_hash, avatar_url, cover_image_url, refresh_token_hash, created_at_unix
FROM users
`

// PostgresUserStore persists users in PostgreSQL through a pgx pool.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore constructs a Postgres store.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// CreateUser inserts a new row; unique violations map to authkit.ErrUserRecordConflict.
func (store *PostgresUserStore) CreateUser(ctx context.Context, user authkit.User) (authkit.User, error) {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO users (id, username, email, full_name, password_hash, avatar_url, cover_image_url, refresh_token_hash, created_at_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, user.ID, strings.ToLower(user.Username), strings.ToLower(user.Email), user.FullName, user.PasswordHash,
		user.AvatarURL, user.CoverImageURL, user.RefreshTokenHash, user.CreatedAt.UTC().Unix())
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolationCode {
			return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", authkit.ErrUserRecordConflict)
		}
		return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", execErr)
	}
	return store.FindUserByID(ctx, user.ID)
}

// FindUserByIdentifier returns the user matching the username or the email.
func (store *PostgresUserStore) FindUserByIdentifier(ctx context.Context, username string, email string) (authkit.User, error) {
	if username == "" && email == "" {
		return authkit.User{}, fmt.Errorf("user_store.find.pgx: %w", authkit.ErrUserRecordNotFound)
	}
	row := store.pool.QueryRow(ctx, selectUserColumns+`
WHERE ($1 <> '' AND username = $1) OR ($2 <> '' AND email = $2)
LIMIT 1
`, strings.ToLower(username), strings.ToLower(email))
	return scanUser(row)
}

// FindUserByID returns the user with the given id.
func (store *PostgresUserStore) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	row := store.pool.QueryRow(ctx, selectUserColumns+`
WHERE id = $1
`, userID)
	return scanUser(row)
}

// SetRefreshToken overwrites the stored fingerprint.
func (store *PostgresUserStore) SetRefreshToken(ctx context.Context, userID string, refreshTokenHash string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE users SET refresh_token_hash = $1 WHERE id = $2
`, refreshTokenHash, userID)
	return requireRow(tag, err, "set_refresh")
}

// ClearRefreshToken sets the fingerprint column to NULL.
func (store *PostgresUserStore) ClearRefreshToken(ctx context.Context, userID string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE users SET refresh_token_hash = NULL WHERE id = $1
`, userID)
	return requireRow(tag, err, "clear_refresh")
}

// SwapRefreshToken replaces the fingerprint in one conditional UPDATE.
func (store *PostgresUserStore) SwapRefreshToken(ctx context.Context, userID string, expectedHash string, replacementHash string) (bool, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE users SET refresh_token_hash = $1 WHERE id = $2 AND refresh_token_hash = $3
`, replacementHash, userID, expectedHash)
	if err != nil {
		return false, fmt.Errorf("user_store.swap_refresh.pgx: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, findErr := store.FindUserByID(ctx, userID); findErr != nil {
		return false, findErr
	}
	return false, nil
}

// UpdatePasswordHash stores a new password hash and ends the session in the same statement.
func (store *PostgresUserStore) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE users SET password_hash = $1, refresh_token_hash = NULL WHERE id = $2
`, passwordHash, userID)
	return requireRow(tag, err, "update_password")
}

func scanUser(row pgx.Row) (authkit.User, error) {
	var (
		user          authkit.User
		refreshHash   *string
		createdAtUnix int64
	)
	scanErr := row.Scan(&user.ID, &user.Username, &user.Email, &user.FullName, &user.PasswordHash,
		&user.AvatarURL, &user.CoverImageURL, &refreshHash, &createdAtUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.User{}, fmt.Errorf("user_store.find.pgx: %w", authkit.ErrUserRecordNotFound)
		}
		return authkit.User{}, fmt.Errorf("user_store.find.pgx: %w", scanErr)
	}
	user.RefreshTokenHash = refreshHash
	user.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return user, nil
}

func requireRow(tag pgconn.CommandTag, err error, operation string) error {
	if err != nil {
		return fmt.Errorf("user_store.%s.pgx: %w", operation, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.%s.pgx: %w", operation, authkit.ErrUserRecordNotFound)
	}
	return nil
}
