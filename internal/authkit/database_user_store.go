package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists users and their refresh-token fingerprint using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID               string  `gorm:"column:id;primaryKey"`
	Username         string  `gorm:"column:username;uniqueIndex;not null"`
	Email            string  `gorm:"column:email;uniqueIndex;not null"`
	FullName         string  `gorm:"column:full_name;not null"`
	PasswordHash     string  `gorm:"column:password_hash;not null"`
	AvatarURL        string  `gorm:"column:avatar_url;not null;default:''"`
	CoverImageURL    string  `gorm:"column:cover_image_url;not null;default:''"`
	RefreshTokenHash *string `gorm:"column:refresh_token_hash"`
	CreatedAtUnix    int64   `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:               record.ID,
		Username:         record.Username,
		Email:            record.Email,
		FullName:         record.FullName,
		PasswordHash:     record.PasswordHash,
		AvatarURL:        record.AvatarURL,
		CoverImageURL:    record.CoverImageURL,
		RefreshTokenHash: record.RefreshTokenHash,
		CreatedAt:        time.Unix(record.CreatedAtUnix, 0).UTC(),
	}
}

// NewDatabaseUserStore constructs a GORM-backed store and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// CreateUser inserts a new user, reporting duplicates as ErrUserRecordConflict.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, user User) (User, error) {
	record := userRecord{
		ID:               user.ID,
		Username:         user.Username,
		Email:            user.Email,
		FullName:         user.FullName,
		PasswordHash:     user.PasswordHash,
		AvatarURL:        user.AvatarURL,
		CoverImageURL:    user.CoverImageURL,
		RefreshTokenHash: user.RefreshTokenHash,
		CreatedAtUnix:    user.CreatedAt.UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if countErr := transaction.Model(&userRecord{}).
			Where("id = ? OR username = ? OR email = ?", record.ID, record.Username, record.Email).
			Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrUserRecordConflict
		}
		return transaction.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserRecordConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrUserRecordConflict)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// FindUserByIdentifier returns the user matching the username or the email.
func (store *DatabaseUserStore) FindUserByIdentifier(ctx context.Context, username string, email string) (User, error) {
	query := store.db.WithContext(ctx)
	switch {
	case username != "" && email != "":
		query = query.Where("username = ? OR email = ?", strings.ToLower(username), strings.ToLower(email))
	case username != "":
		query = query.Where("username = ?", strings.ToLower(username))
	case email != "":
		query = query.Where("email = ?", strings.ToLower(email))
	default:
		return User{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, ErrUserRecordNotFound)
	}
	return store.take(query, "find")
}

// FindUserByID returns the user with the given id.
func (store *DatabaseUserStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	return store.take(store.db.WithContext(ctx).Where("id = ?", userID), "find")
}

// SetRefreshToken overwrites the stored fingerprint.
func (store *DatabaseUserStore) SetRefreshToken(ctx context.Context, userID string, refreshTokenHash string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Update("refresh_token_hash", refreshTokenHash)
	return store.requireRow(result, "set_refresh")
}

// ClearRefreshToken sets the fingerprint column to NULL.
func (store *DatabaseUserStore) ClearRefreshToken(ctx context.Context, userID string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Update("refresh_token_hash", gorm.Expr("NULL"))
	return store.requireRow(result, "clear_refresh")
}

// SwapRefreshToken replaces the fingerprint in one conditional UPDATE.
func (store *DatabaseUserStore) SwapRefreshToken(ctx context.Context, userID string, expectedHash string, replacementHash string) (bool, error) {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ? AND refresh_token_hash = ?", userID, expectedHash).
		Update("refresh_token_hash", replacementHash)
	if result.Error != nil {
		return false, fmt.Errorf("user_store.swap_refresh.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, findErr := store.FindUserByID(ctx, userID); findErr != nil {
		return false, findErr
	}
	return false, nil
}

// UpdatePasswordHash stores a new password hash and nulls the refresh token in one UPDATE.
func (store *DatabaseUserStore) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"password_hash":      passwordHash,
			"refresh_token_hash": gorm.Expr("NULL"),
		})
	return store.requireRow(result, "update_password")
}

func (store *DatabaseUserStore) take(query *gorm.DB, operation string) (User, error) {
	var record userRecord
	if err := query.Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserRecordNotFound)
		}
		return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return record.toUser(), nil
}

func (store *DatabaseUserStore) requireRow(result *gorm.DB, operation string) error {
	if result.Error != nil {
		return fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserRecordNotFound)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
