package authkit

import "errors"

// Failure kinds surfaced by the session manager and the gatekeeper.
var (
	// ErrInvalidCredentials indicates a wrong password.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrUserNotFound indicates that no user matched the login identifier.
	ErrUserNotFound = errors.New("auth.user_not_found")
	// ErrUnauthorized indicates a missing, invalid, expired, or revoked token.
	ErrUnauthorized = errors.New("auth.unauthorized")
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("auth.validation")
	// ErrConflict indicates a duplicate username or email.
	ErrConflict = errors.New("auth.conflict")
	// ErrStorage indicates that a collaborator store was unavailable.
	ErrStorage = errors.New("auth.storage_unavailable")
)

// Store-level sentinels returned by UserStore implementations.
var (
	// ErrUserRecordNotFound indicates no user record matched the lookup.
	ErrUserRecordNotFound = errors.New("user_store.not_found")
	// ErrUserRecordConflict indicates a uniqueness violation on username or email.
	ErrUserRecordConflict = errors.New("user_store.conflict")
)

// SessionError pairs a failure kind with a message that is safe to show callers.
type SessionError struct {
	Kind    error
	Message string
	Cause   error
}

func (sessionErr *SessionError) Error() string {
	if sessionErr.Cause != nil {
		return sessionErr.Kind.Error() + ": " + sessionErr.Message + ": " + sessionErr.Cause.Error()
	}
	return sessionErr.Kind.Error() + ": " + sessionErr.Message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (sessionErr *SessionError) Unwrap() []error {
	if sessionErr.Cause == nil {
		return []error{sessionErr.Kind}
	}
	return []error{sessionErr.Kind, sessionErr.Cause}
}

func newSessionError(kind error, message string, cause error) error {
	return &SessionError{Kind: kind, Message: message, Cause: cause}
}
