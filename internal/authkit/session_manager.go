package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/streamauth/pkg/sessiontoken"
	"go.uber.org/zap"
)

// LoginRequest identifies a user by username or email.
type LoginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

// Validate rejects requests without an identifier or a password.
func (request LoginRequest) Validate() error {
	if strings.TrimSpace(request.Username) == "" && strings.TrimSpace(request.Email) == "" {
		return newSessionError(ErrValidation, "username or email is required", nil)
	}
	if request.Password == "" {
		return newSessionError(ErrValidation, "password is required", nil)
	}
	return nil
}

// RefreshRequest carries a refresh token for clients that cannot send cookies.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ChangePasswordRequest carries the current and the desired password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// Validate rejects blank, unchanged, or over-long passwords.
func (request ChangePasswordRequest) Validate() error {
	if request.OldPassword == "" || request.NewPassword == "" {
		return newSessionError(ErrValidation, "old and new passwords are required", nil)
	}
	if request.OldPassword == request.NewPassword {
		return newSessionError(ErrValidation, "new password must differ from the current password", nil)
	}
	if len(request.NewPassword) > maxPasswordBytes {
		return newSessionError(ErrValidation, passwordTooLongMessage, nil)
	}
	return nil
}

// SessionGrant is the outcome of a successful login or refresh.
type SessionGrant struct {
	AccessToken  sessiontoken.IssuedToken
	RefreshToken sessiontoken.IssuedToken
	User         PublicUser
}

// SessionDependencies wires the collaborators of a SessionManager.
type SessionDependencies struct {
	Users     UserStore
	Tokens    *sessiontoken.Codec
	Passwords *PasswordHasher
	Media     MediaStorage
	Metrics   MetricsRecorder
	Logger    *zap.Logger
}

// SessionManager drives login, refresh rotation, logout, and password changes.
type SessionManager struct {
	users     UserStore
	tokens    *sessiontoken.Codec
	passwords *PasswordHasher
	media     MediaStorage
	metrics   MetricsRecorder
	logger    *zap.Logger
}

var (
	errMissingUserStore = errors.New("session_manager.missing_user_store")
	errMissingCodec     = errors.New("session_manager.missing_token_codec")
)

// NewSessionManager validates the dependencies and constructs a SessionManager.
func NewSessionManager(dependencies SessionDependencies) (*SessionManager, error) {
	if dependencies.Users == nil {
		return nil, errMissingUserStore
	}
	if dependencies.Tokens == nil {
		return nil, errMissingCodec
	}
	passwords := dependencies.Passwords
	if passwords == nil {
		passwords = NewPasswordHasher(0)
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = discardMetrics{}
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		users:     dependencies.Users,
		tokens:    dependencies.Tokens,
		passwords: passwords,
		media:     dependencies.Media,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Login verifies the credentials and starts a new session, replacing any previous one.
func (manager *SessionManager) Login(ctx context.Context, request LoginRequest) (SessionGrant, error) {
	if err := request.Validate(); err != nil {
		manager.metrics.Increment(metricAuthLoginFailure)
		return SessionGrant{}, err
	}

	user, findErr := manager.users.FindUserByIdentifier(ctx, strings.TrimSpace(request.Username), strings.TrimSpace(request.Email))
	if findErr != nil {
		manager.metrics.Increment(metricAuthLoginFailure)
		if errors.Is(findErr, ErrUserRecordNotFound) {
			manager.logger.Info("login for unknown user",
				zap.String("code", "auth.login.unknown_user"))
			return SessionGrant{}, newSessionError(ErrUserNotFound, "user does not exist", nil)
		}
		return SessionGrant{}, manager.storageFailure("auth.login.lookup_failed", findErr)
	}

	matches, verifyErr := manager.passwords.Verify(request.Password, user.PasswordHash)
	if verifyErr != nil {
		manager.metrics.Increment(metricAuthLoginFailure)
		manager.logger.Error("stored password hash unreadable",
			zap.String("code", "auth.login.corrupt_hash"),
			zap.String("user_id", user.ID),
			zap.Error(verifyErr))
		return SessionGrant{}, fmt.Errorf("auth.login: %w", verifyErr)
	}
	if !matches {
		manager.metrics.Increment(metricAuthLoginFailure)
		manager.logger.Info("login with invalid password",
			zap.String("code", "auth.login.invalid_password"),
			zap.String("user_id", user.ID))
		return SessionGrant{}, newSessionError(ErrInvalidCredentials, "invalid user credentials", nil)
	}

	accessToken, refreshToken, issueErr := manager.issuePair(user.ID)
	if issueErr != nil {
		manager.metrics.Increment(metricAuthLoginFailure)
		return SessionGrant{}, issueErr
	}
	if persistErr := manager.users.SetRefreshToken(ctx, user.ID, fingerprintRefreshToken(refreshToken.Value)); persistErr != nil {
		manager.metrics.Increment(metricAuthLoginFailure)
		return SessionGrant{}, manager.storageFailure("auth.login.persist_failed", persistErr)
	}

	manager.metrics.Increment(metricAuthLoginSuccess)
	manager.logger.Info("login succeeded",
		zap.String("code", "auth.login.success"),
		zap.String("user_id", user.ID))
	return SessionGrant{AccessToken: accessToken, RefreshToken: refreshToken, User: user.Public()}, nil
}

// Refresh exchanges the current refresh token for a new pair, invalidating the presented one.
func (manager *SessionManager) Refresh(ctx context.Context, presentedRefreshToken string) (SessionGrant, error) {
	presentedRefreshToken = strings.TrimSpace(presentedRefreshToken)
	if presentedRefreshToken == "" {
		manager.metrics.Increment(metricAuthRefreshFailure)
		return SessionGrant{}, newSessionError(ErrUnauthorized, "refresh token is required", nil)
	}

	claims, verifyErr := manager.tokens.Verify(presentedRefreshToken, sessiontoken.KindRefresh)
	if verifyErr != nil {
		manager.metrics.Increment(metricAuthRefreshFailure)
		manager.logger.Info("refresh token rejected",
			zap.String("code", "auth.refresh.invalid_token"),
			zap.NamedError("reason", verifyErr))
		return SessionGrant{}, newSessionError(ErrUnauthorized, "invalid refresh token", nil)
	}

	user, findErr := manager.users.FindUserByID(ctx, claims.GetUserID())
	if findErr != nil {
		manager.metrics.Increment(metricAuthRefreshFailure)
		if errors.Is(findErr, ErrUserRecordNotFound) {
			manager.logger.Info("refresh for missing user",
				zap.String("code", "auth.refresh.unknown_user"),
				zap.String("user_id", claims.GetUserID()))
			return SessionGrant{}, newSessionError(ErrUnauthorized, "invalid refresh token", nil)
		}
		return SessionGrant{}, manager.storageFailure("auth.refresh.lookup_failed", findErr)
	}

	presentedHash := fingerprintRefreshToken(presentedRefreshToken)
	if user.RefreshTokenHash == nil || *user.RefreshTokenHash != presentedHash {
		manager.rejectReplay(user.ID)
		return SessionGrant{}, newSessionError(ErrUnauthorized, "refresh token is expired or used", nil)
	}

	accessToken, refreshToken, issueErr := manager.issuePair(user.ID)
	if issueErr != nil {
		manager.metrics.Increment(metricAuthRefreshFailure)
		return SessionGrant{}, issueErr
	}
	swapped, swapErr := manager.users.SwapRefreshToken(ctx, user.ID, presentedHash, fingerprintRefreshToken(refreshToken.Value))
	if swapErr != nil {
		manager.metrics.Increment(metricAuthRefreshFailure)
		if errors.Is(swapErr, ErrUserRecordNotFound) {
			return SessionGrant{}, newSessionError(ErrUnauthorized, "invalid refresh token", nil)
		}
		return SessionGrant{}, manager.storageFailure("auth.refresh.rotate_failed", swapErr)
	}
	if !swapped {
		manager.rejectReplay(user.ID)
		return SessionGrant{}, newSessionError(ErrUnauthorized, "refresh token is expired or used", nil)
	}

	manager.metrics.Increment(metricAuthRefreshSuccess)
	manager.logger.Info("refresh token rotated",
		zap.String("code", "auth.refresh.success"),
		zap.String("user_id", user.ID))
	return SessionGrant{AccessToken: accessToken, RefreshToken: refreshToken, User: user.Public()}, nil
}

// Logout unsets the persisted refresh token. Calling it again is a no-op.
// Access tokens issued earlier stay valid until they expire.
func (manager *SessionManager) Logout(ctx context.Context, userID string) error {
	if err := manager.users.ClearRefreshToken(ctx, userID); err != nil && !errors.Is(err, ErrUserRecordNotFound) {
		return manager.storageFailure("auth.logout.clear_failed", err)
	}
	manager.metrics.Increment(metricAuthLogoutSuccess)
	manager.logger.Info("logout",
		zap.String("code", "auth.logout.success"),
		zap.String("user_id", userID))
	return nil
}

// ChangePassword verifies the current password, stores the new hash, and ends the session.
func (manager *SessionManager) ChangePassword(ctx context.Context, userID string, request ChangePasswordRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}
	user, findErr := manager.users.FindUserByID(ctx, userID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserRecordNotFound) {
			return newSessionError(ErrUnauthorized, "unauthorized request", nil)
		}
		return manager.storageFailure("auth.password.lookup_failed", findErr)
	}
	matches, verifyErr := manager.passwords.Verify(request.OldPassword, user.PasswordHash)
	if verifyErr != nil {
		return fmt.Errorf("auth.password: %w", verifyErr)
	}
	if !matches {
		manager.logger.Info("password change with invalid password",
			zap.String("code", "auth.password.invalid_password"),
			zap.String("user_id", userID))
		return newSessionError(ErrInvalidCredentials, "invalid old password", nil)
	}
	newHash, hashErr := manager.passwords.Hash(request.NewPassword)
	if hashErr != nil {
		return hashFailure("auth.password", hashErr)
	}
	// The store drops the refresh token in the same write.
	if updateErr := manager.users.UpdatePasswordHash(ctx, userID, newHash); updateErr != nil {
		return manager.storageFailure("auth.password.update_failed", updateErr)
	}
	manager.metrics.Increment(metricAuthPasswordChanged)
	manager.logger.Info("password changed",
		zap.String("code", "auth.password.changed"),
		zap.String("user_id", userID))
	return nil
}

// Authenticate verifies an access token and loads the sanitized principal.
func (manager *SessionManager) Authenticate(ctx context.Context, accessToken string) (PublicUser, error) {
	if strings.TrimSpace(accessToken) == "" {
		return PublicUser{}, newSessionError(ErrUnauthorized, "unauthorized request", nil)
	}
	claims, verifyErr := manager.tokens.Verify(accessToken, sessiontoken.KindAccess)
	if verifyErr != nil {
		return PublicUser{}, newSessionError(ErrUnauthorized, "invalid access token", nil)
	}
	user, findErr := manager.users.FindUserByID(ctx, claims.GetUserID())
	if findErr != nil {
		if errors.Is(findErr, ErrUserRecordNotFound) {
			return PublicUser{}, newSessionError(ErrUnauthorized, "invalid access token", nil)
		}
		return PublicUser{}, manager.storageFailure("auth.gatekeeper.lookup_failed", findErr)
	}
	return user.Public(), nil
}

func (manager *SessionManager) issuePair(userID string) (sessiontoken.IssuedToken, sessiontoken.IssuedToken, error) {
	accessToken, accessErr := manager.tokens.IssueAccess(userID)
	if accessErr != nil {
		return sessiontoken.IssuedToken{}, sessiontoken.IssuedToken{}, fmt.Errorf("auth.issue_access: %w", accessErr)
	}
	refreshToken, refreshErr := manager.tokens.IssueRefresh(userID)
	if refreshErr != nil {
		return sessiontoken.IssuedToken{}, sessiontoken.IssuedToken{}, fmt.Errorf("auth.issue_refresh: %w", refreshErr)
	}
	return accessToken, refreshToken, nil
}

func (manager *SessionManager) rejectReplay(userID string) {
	manager.metrics.Increment(metricAuthRefreshFailure)
	manager.metrics.Increment(metricAuthRefreshReplay)
	manager.logger.Warn("refresh token does not match the active session",
		zap.String("code", "auth.refresh.token_mismatch"),
		zap.String("user_id", userID))
}

const passwordTooLongMessage = "password must be at most 72 bytes"

func hashFailure(scope string, err error) error {
	if errors.Is(err, errPasswordTooLong) {
		return newSessionError(ErrValidation, passwordTooLongMessage, nil)
	}
	return fmt.Errorf("%s: %w", scope, err)
}

func (manager *SessionManager) storageFailure(code string, cause error) error {
	manager.metrics.Increment(metricAuthStorageUnavailable)
	manager.logger.Error("user store failure",
		zap.String("code", code),
		zap.Error(cause))
	return newSessionError(ErrStorage, "user store unavailable", cause)
}
