package authkit

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamauth/pkg/sessiontoken"
	"go.uber.org/zap"
)

// PrincipalContextKey holds the authenticated PublicUser on the gin context.
const PrincipalContextKey = "auth_user"

// RequireUser validates the access token from the cookie or the bearer header,
// loads the user, and injects the sanitized principal.
func RequireUser(configuration ServerConfig, sessions *SessionManager, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := configuration.accessCookieName()
	return func(contextGin *gin.Context) {
		accessToken := sessiontoken.TokenFromRequest(contextGin.Request, cookieName)
		principal, err := sessions.Authenticate(contextGin.Request.Context(), accessToken)
		if err != nil {
			sessions.metrics.Increment(metricAuthGatekeeperReject)
			if !errors.Is(err, ErrStorage) {
				logger.Debug("request rejected",
					zap.String("code", "auth.gatekeeper.rejected"),
					zap.String("path", contextGin.FullPath()))
			}
			RespondError(contextGin, err)
			return
		}
		contextGin.Set(PrincipalContextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromContext returns the user attached by RequireUser.
func PrincipalFromContext(contextGin *gin.Context) (PublicUser, bool) {
	value, exists := contextGin.Get(PrincipalContextKey)
	if !exists {
		return PublicUser{}, false
	}
	principal, ok := value.(PublicUser)
	return principal, ok
}
