package authkit

import "context"

// UserStore persists users and the single refresh-token fingerprint attached to each.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	// FindUserByIdentifier matches on username or email; empty values are ignored.
	FindUserByIdentifier(ctx context.Context, username string, email string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
	// SetRefreshToken overwrites any previously stored fingerprint.
	SetRefreshToken(ctx context.Context, userID string, refreshTokenHash string) error
	// ClearRefreshToken unsets the stored fingerprint.
	ClearRefreshToken(ctx context.Context, userID string) error
	// SwapRefreshToken replaces the fingerprint only if it still equals expectedHash.
	SwapRefreshToken(ctx context.Context, userID string, expectedHash string, replacementHash string) (bool, error)
	// UpdatePasswordHash stores a new hash and unsets the refresh fingerprint atomically.
	UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error
}

// MediaStorage uploads a local file to the media host and returns its public URL.
type MediaStorage interface {
	Upload(ctx context.Context, localPath string) (string, error)
}
