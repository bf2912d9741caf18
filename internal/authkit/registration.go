package authkit

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistrationRequest describes a new account. Media paths point to files already on local disk.
type RegistrationRequest struct {
	Username       string
	Email          string
	FullName       string
	Password       string
	AvatarPath     string
	CoverImagePath string
}

func (request RegistrationRequest) normalized() RegistrationRequest {
	request.Username = strings.ToLower(strings.TrimSpace(request.Username))
	request.Email = strings.ToLower(strings.TrimSpace(request.Email))
	request.FullName = strings.TrimSpace(request.FullName)
	return request
}

// Validate rejects blank fields, a malformed or display-name email, an over-long password, and a missing avatar.
func (request RegistrationRequest) Validate() error {
	normalized := request.normalized()
	if normalized.Username == "" || normalized.Email == "" || normalized.FullName == "" || request.Password == "" {
		return newSessionError(ErrValidation, "all fields are required", nil)
	}
	parsed, parseErr := mail.ParseAddress(normalized.Email)
	if parseErr != nil || parsed.Address != normalized.Email {
		return newSessionError(ErrValidation, "email is invalid", nil)
	}
	if len(request.Password) > maxPasswordBytes {
		return newSessionError(ErrValidation, passwordTooLongMessage, nil)
	}
	if strings.TrimSpace(request.AvatarPath) == "" {
		return newSessionError(ErrValidation, "avatar file is required", nil)
	}
	return nil
}

// Register creates a user after uploading the avatar and the optional cover image.
func (manager *SessionManager) Register(ctx context.Context, request RegistrationRequest) (PublicUser, error) {
	if err := request.Validate(); err != nil {
		return PublicUser{}, err
	}
	request = request.normalized()

	_, lookupErr := manager.users.FindUserByIdentifier(ctx, request.Username, request.Email)
	switch {
	case lookupErr == nil:
		return PublicUser{}, newSessionError(ErrConflict, "user with email or username already exists", nil)
	case !errors.Is(lookupErr, ErrUserRecordNotFound):
		return PublicUser{}, manager.storageFailure("auth.register.lookup_failed", lookupErr)
	}

	if manager.media == nil {
		return PublicUser{}, newSessionError(ErrStorage, "media storage unavailable", nil)
	}
	// Hash before uploading so a rejected password leaves nothing in the bucket.
	passwordHash, hashErr := manager.passwords.Hash(request.Password)
	if hashErr != nil {
		return PublicUser{}, hashFailure("auth.register", hashErr)
	}
	avatarURL, avatarErr := manager.media.Upload(ctx, request.AvatarPath)
	if avatarErr != nil || avatarURL == "" {
		manager.logger.Warn("avatar upload failed",
			zap.String("code", "auth.register.avatar_upload_failed"),
			zap.Error(avatarErr))
		return PublicUser{}, newSessionError(ErrValidation, "avatar upload failed", avatarErr)
	}
	coverImageURL := ""
	if strings.TrimSpace(request.CoverImagePath) != "" {
		uploaded, coverErr := manager.media.Upload(ctx, request.CoverImagePath)
		if coverErr != nil {
			manager.logger.Warn("cover image upload failed",
				zap.String("code", "auth.register.cover_upload_failed"),
				zap.Error(coverErr))
		} else {
			coverImageURL = uploaded
		}
	}

	created, createErr := manager.users.CreateUser(ctx, User{
		ID:            uuid.NewString(),
		Username:      request.Username,
		Email:         request.Email,
		FullName:      request.FullName,
		PasswordHash:  passwordHash,
		AvatarURL:     avatarURL,
		CoverImageURL: coverImageURL,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	})
	if createErr != nil {
		if errors.Is(createErr, ErrUserRecordConflict) {
			return PublicUser{}, newSessionError(ErrConflict, "user with email or username already exists", nil)
		}
		return PublicUser{}, manager.storageFailure("auth.register.create_failed", createErr)
	}

	manager.metrics.Increment(metricAuthRegisterSuccess)
	manager.logger.Info("user registered",
		zap.String("code", "auth.register.success"),
		zap.String("user_id", created.ID))
	return created.Public(), nil
}
