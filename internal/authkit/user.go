package authkit

import "time"

// User is the identity record owned by the user store.
type User struct {
	ID               string
	Username         string
	Email            string
	FullName         string
	PasswordHash     string
	AvatarURL        string
	CoverImageURL    string
	RefreshTokenHash *string
	CreatedAt        time.Time
}

// PublicUser is the sanitized projection returned to callers.
type PublicUser struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	FullName      string    `json:"fullName"`
	AvatarURL     string    `json:"avatar"`
	CoverImageURL string    `json:"coverImage"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Public strips the password hash and refresh token.
func (user User) Public() PublicUser {
	return PublicUser{
		ID:            user.ID,
		Username:      user.Username,
		Email:         user.Email,
		FullName:      user.FullName,
		AvatarURL:     user.AvatarURL,
		CoverImageURL: user.CoverImageURL,
		CreatedAt:     user.CreatedAt,
	}
}

// HasSession reports whether a refresh token is currently persisted.
func (user User) HasSession() bool {
	return user.RefreshTokenHash != nil
}
