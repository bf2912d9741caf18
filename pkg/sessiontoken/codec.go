package sessiontoken

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	// KindAccess marks short-lived tokens presented on every protected call.
	KindAccess Kind = "access"
	// KindRefresh marks long-lived tokens exchanged for a new pair.
	KindRefresh Kind = "refresh"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns the wall clock used when Config.Clock is nil.
func SystemClock() Clock {
	return systemClock{}
}

// KindConfig holds the secret and lifetime of one token kind.
type KindConfig struct {
	Secret []byte
	TTL    time.Duration
}

// Config configures the Codec.
type Config struct {
	Issuer  string
	Access  KindConfig
	Refresh KindConfig
	Clock   Clock
}

// Sentinel errors exposed by the codec.
var (
	ErrMissingIssuer        = errors.New("session.token.missing_issuer")
	ErrMissingAccessSecret  = errors.New("session.token.missing_access_secret")
	ErrMissingRefreshSecret = errors.New("session.token.missing_refresh_secret")
	ErrSharedSecret         = errors.New("session.token.shared_secret")
	ErrInvalidTTL           = errors.New("session.token.invalid_ttl")
	ErrUnknownKind          = errors.New("session.token.unknown_kind")
	ErrMissingSubject       = errors.New("session.token.missing_subject")
	ErrMissingToken         = errors.New("session.token.missing_token")
	ErrInvalidSignature     = errors.New("session.token.invalid_signature")
	ErrExpired              = errors.New("session.token.expired")
	ErrMalformed            = errors.New("session.token.malformed")
)

// Claims is the payload carried by both token kinds.
type Claims struct {
	Kind Kind `json:"kind"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject identifier.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetIssuedAtTime returns the issue timestamp.
func (claims *Claims) GetIssuedAtTime() time.Time {
	if claims == nil || claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}

// GetExpiresAtTime returns the expiry timestamp.
func (claims *Claims) GetExpiresAtTime() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// IssuedToken is a freshly signed token together with its identifiers.
type IssuedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// Codec signs and verifies access and refresh tokens with independent secrets.
type Codec struct {
	issuer  string
	access  KindConfig
	refresh KindConfig
	clock   Clock
}

// New constructs a Codec after validating the supplied configuration.
func New(configuration Config) (*Codec, error) {
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.token.new: %w", ErrMissingIssuer)
	}
	if len(configuration.Access.Secret) == 0 {
		return nil, fmt.Errorf("session.token.new: %w", ErrMissingAccessSecret)
	}
	if len(configuration.Refresh.Secret) == 0 {
		return nil, fmt.Errorf("session.token.new: %w", ErrMissingRefreshSecret)
	}
	if bytes.Equal(configuration.Access.Secret, configuration.Refresh.Secret) {
		return nil, fmt.Errorf("session.token.new: %w", ErrSharedSecret)
	}
	if configuration.Access.TTL <= 0 || configuration.Refresh.TTL <= 0 {
		return nil, fmt.Errorf("session.token.new: %w", ErrInvalidTTL)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		issuer:  configuration.Issuer,
		access:  configuration.Access,
		refresh: configuration.Refresh,
		clock:   clock,
	}, nil
}

// IssueAccess signs a new access token for the user.
func (codec *Codec) IssueAccess(userID string) (IssuedToken, error) {
	return codec.Issue(KindAccess, userID)
}

// IssueRefresh signs a new refresh token for the user.
func (codec *Codec) IssueRefresh(userID string) (IssuedToken, error) {
	return codec.Issue(KindRefresh, userID)
}

// Issue signs a token of the given kind for the user.
func (codec *Codec) Issue(kind Kind, userID string) (IssuedToken, error) {
	settings, err := codec.settingsFor(kind)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("session.token.issue: %w", err)
	}
	if strings.TrimSpace(userID) == "" {
		return IssuedToken{}, fmt.Errorf("session.token.issue: %w", ErrMissingSubject)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(settings.TTL)
	tokenID := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    codec.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(settings.Secret)
	if signErr != nil {
		return IssuedToken{}, fmt.Errorf("session.token.issue: %w", signErr)
	}
	// NumericDate truncates to seconds; report the expiry the token actually carries.
	return IssuedToken{Value: signed, ID: tokenID, ExpiresAt: jwt.NewNumericDate(expiresAt).Time}, nil
}

// Verify checks the signature, then the time-based claims, then the claim structure.
func (codec *Codec) Verify(tokenString string, kind Kind) (*Claims, error) {
	settings, err := codec.settingsFor(kind)
	if err != nil {
		return nil, fmt.Errorf("session.token.verify: %w", err)
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.token.verify: %w", ErrMissingToken)
	}

	claims := &Claims{}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return settings.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("session.token.verify: %w", ErrInvalidSignature)
		}
		return nil, fmt.Errorf("session.token.verify: %w", ErrMalformed)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.token.verify: %w", ErrInvalidSignature)
	}

	claimsValidator := jwt.NewValidator(
		jwt.WithTimeFunc(codec.clock.Now),
		jwt.WithIssuer(codec.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if validateErr := claimsValidator.Validate(claims); validateErr != nil {
		if errors.Is(validateErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.token.verify: %w", ErrExpired)
		}
		return nil, fmt.Errorf("session.token.verify: %w", ErrMalformed)
	}

	if strings.TrimSpace(claims.Subject) == "" || claims.Kind != kind || claims.IssuedAt == nil {
		return nil, fmt.Errorf("session.token.verify: %w", ErrMalformed)
	}
	return claims, nil
}

// TTL reports the configured lifetime of a token kind.
func (codec *Codec) TTL(kind Kind) time.Duration {
	settings, err := codec.settingsFor(kind)
	if err != nil {
		return 0
	}
	return settings.TTL
}

func (codec *Codec) settingsFor(kind Kind) (KindConfig, error) {
	switch kind {
	case KindAccess:
		return codec.access, nil
	case KindRefresh:
		return codec.refresh, nil
	default:
		return KindConfig{}, ErrUnknownKind
	}
}
