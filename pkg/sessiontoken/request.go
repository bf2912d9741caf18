package sessiontoken

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultAccessCookieName is used by GinMiddleware when no cookie name is provided.
const DefaultAccessCookieName = "accessToken"

const bearerPrefix = "bearer "

// TokenFromRequest returns the token from the named cookie, falling back to the
// Authorization bearer header. The cookie wins when both are present.
func TokenFromRequest(request *http.Request, cookieName string) string {
	if request == nil {
		return ""
	}
	if cookieName != "" {
		cookie, cookieErr := request.Cookie(cookieName)
		if cookieErr == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
			return strings.TrimSpace(cookie.Value)
		}
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// GinMiddleware validates access tokens without any store lookup and injects the claims.
// Services that only need the subject identifier can mount it instead of the full gatekeeper.
func (codec *Codec) GinMiddleware(cookieName string, contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultAccessCookieName
	}
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := codec.Verify(TokenFromRequest(contextGin.Request, cookieName), KindAccess)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
