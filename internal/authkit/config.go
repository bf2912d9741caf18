package authkit

import (
	"net/http"
	"time"

	"github.com/tyemirov/streamauth/pkg/sessiontoken"
)

// ServerConfig configures token secrets, lifetimes, and cookies.
type ServerConfig struct {
	TokenIssuer          string
	AccessTokenSecret    []byte
	AccessTokenTTL       time.Duration
	RefreshTokenSecret   []byte
	RefreshTokenTTL      time.Duration
	CookieDomain         string
	AccessCookieName     string
	RefreshCookieName    string
	SameSiteMode         http.SameSite
	AllowInsecureCookies bool
	PasswordHashCost     int
}

// TokenConfig derives the codec configuration from the server configuration.
func (configuration ServerConfig) TokenConfig(clock sessiontoken.Clock) sessiontoken.Config {
	return sessiontoken.Config{
		Issuer:  configuration.TokenIssuer,
		Access:  sessiontoken.KindConfig{Secret: configuration.AccessTokenSecret, TTL: configuration.AccessTokenTTL},
		Refresh: sessiontoken.KindConfig{Secret: configuration.RefreshTokenSecret, TTL: configuration.RefreshTokenTTL},
		Clock:   clock,
	}
}

const (
	defaultAccessCookieName  = "accessToken"
	defaultRefreshCookieName = "refreshToken"
)

func (configuration ServerConfig) accessCookieName() string {
	if configuration.AccessCookieName == "" {
		return defaultAccessCookieName
	}
	return configuration.AccessCookieName
}

func (configuration ServerConfig) refreshCookieName() string {
	if configuration.RefreshCookieName == "" {
		return defaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}

func (configuration ServerConfig) sameSite() http.SameSite {
	if configuration.SameSiteMode == 0 {
		return http.SameSiteStrictMode
	}
	return configuration.SameSiteMode
}
