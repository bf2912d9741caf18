package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryUserStore is an in-memory user store intended for tests and dev.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// CreateUser inserts a user, rejecting duplicate ids, usernames, and emails.
func (store *MemoryUserStore) CreateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	usernameKey := strings.ToLower(user.Username)
	emailKey := strings.ToLower(user.Email)
	if _, exists := store.byID[user.ID]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrUserRecordConflict)
	}
	if _, exists := store.byUsername[usernameKey]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrUserRecordConflict)
	}
	if _, exists := store.byEmail[emailKey]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrUserRecordConflict)
	}
	record := cloneUser(user)
	store.byID[user.ID] = &record
	store.byUsername[usernameKey] = user.ID
	store.byEmail[emailKey] = user.ID
	return cloneUser(record), nil
}

// FindUserByIdentifier returns the user matching the username or the email.
func (store *MemoryUserStore) FindUserByIdentifier(ctx context.Context, username string, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if username != "" {
		if userID, ok := store.byUsername[strings.ToLower(username)]; ok {
			return cloneUser(*store.byID[userID]), nil
		}
	}
	if email != "" {
		if userID, ok := store.byEmail[strings.ToLower(email)]; ok {
			return cloneUser(*store.byID[userID]), nil
		}
	}
	return User{}, fmt.Errorf("user_store.find.memory: %w", ErrUserRecordNotFound)
}

// FindUserByID returns the user with the given id.
func (store *MemoryUserStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find.memory: %w", ErrUserRecordNotFound)
	}
	return cloneUser(*record), nil
}

// SetRefreshToken overwrites the stored fingerprint.
func (store *MemoryUserStore) SetRefreshToken(ctx context.Context, userID string, refreshTokenHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("user_store.set_refresh.memory: %w", ErrUserRecordNotFound)
	}
	hashValue := refreshTokenHash
	record.RefreshTokenHash = &hashValue
	return nil
}

// ClearRefreshToken unsets the stored fingerprint.
func (store *MemoryUserStore) ClearRefreshToken(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("user_store.clear_refresh.memory: %w", ErrUserRecordNotFound)
	}
	record.RefreshTokenHash = nil
	return nil
}

// SwapRefreshToken replaces the fingerprint only when it equals expectedHash.
func (store *MemoryUserStore) SwapRefreshToken(ctx context.Context, userID string, expectedHash string, replacementHash string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return false, fmt.Errorf("user_store.swap_refresh.memory: %w", ErrUserRecordNotFound)
	}
	if record.RefreshTokenHash == nil || *record.RefreshTokenHash != expectedHash {
		return false, nil
	}
	hashValue := replacementHash
	record.RefreshTokenHash = &hashValue
	return true, nil
}

// UpdatePasswordHash stores a new password hash and drops the refresh token under the same lock.
func (store *MemoryUserStore) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("user_store.update_password.memory: %w", ErrUserRecordNotFound)
	}
	record.PasswordHash = passwordHash
	record.RefreshTokenHash = nil
	return nil
}

// DeleteUser removes a user; used to model deleted accounts.
func (store *MemoryUserStore) DeleteUser(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("user_store.delete.memory: %w", ErrUserRecordNotFound)
	}
	delete(store.byUsername, strings.ToLower(record.Username))
	delete(store.byEmail, strings.ToLower(record.Email))
	delete(store.byID, userID)
	return nil
}

func cloneUser(user User) User {
	clone := user
	if user.RefreshTokenHash != nil {
		hashValue := *user.RefreshTokenHash
		clone.RefreshTokenHash = &hashValue
	}
	return clone
}
