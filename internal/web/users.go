package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamauth/internal/authkit"
	"go.uber.org/zap"
)

// HandleCurrentUser returns the principal attached by authkit.RequireUser.
func HandleCurrentUser(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromContext(contextGin)
		if !found || principal.ID == "" {
			logger.Warn("missing principal on context",
				zap.String("code", "api.current_user.missing_principal"))
			authkit.RespondError(contextGin, authkit.ErrUnauthorized)
			return
		}
		authkit.RespondSuccess(contextGin, http.StatusOK, principal, "Current user fetched successfully")
	}
}
